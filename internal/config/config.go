package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPortAudio = "portaudio"
	BackendMiniaudio = "miniaudio"

	WebsocketPCM  = "pcm"
	WebsocketOpus = "opus"
)

type Config struct {
	LogLevel string         `json:"log_level" mapstructure:"log_level"`
	Audio    AudioConfig    `json:"audio" mapstructure:"audio"`
	Stream   StreamConfig   `json:"stream" mapstructure:"stream"`
	Recorder RecorderConfig `json:"recorder" mapstructure:"recorder"`
	Spool    SpoolConfig    `json:"spool" mapstructure:"spool"`
	Opus     OpusConfig     `json:"opus" mapstructure:"opus"`
	Meter    MeterConfig    `json:"meter" mapstructure:"meter"`
	Tray     bool           `json:"tray" mapstructure:"tray"`

	path string
}

type AudioConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"` // "portaudio" or "miniaudio"
	DeviceID   string `json:"device_id" mapstructure:"device_id"`
	SampleRate uint32 `json:"sample_rate" mapstructure:"sample_rate"`
	BitDepth   uint8  `json:"bit_depth" mapstructure:"bit_depth"`
	Channels   uint8  `json:"channels" mapstructure:"channels"`
	// BufferMultiplier scales the device minimum buffer size.
	BufferMultiplier int `json:"buffer_multiplier" mapstructure:"buffer_multiplier"`
}

type StreamConfig struct {
	Listen        string `json:"listen" mapstructure:"listen"`
	Websocket     bool   `json:"websocket" mapstructure:"websocket"`
	WebsocketMode string `json:"websocket_mode" mapstructure:"websocket_mode"` // "pcm" or "opus"
	ClientQueue   int    `json:"client_queue" mapstructure:"client_queue"`
}

type RecorderConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

type SpoolConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Bytes   int  `json:"bytes" mapstructure:"bytes"`
}

type OpusConfig struct {
	Bitrate int `json:"bitrate" mapstructure:"bitrate"`
}

type MeterConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			Backend:          BackendPortAudio,
			DeviceID:         "",
			SampleRate:       48000,
			BitDepth:         16,
			Channels:         2,
			BufferMultiplier: 2,
		},
		Stream: StreamConfig{
			Listen:        ":8080",
			Websocket:     true,
			WebsocketMode: WebsocketPCM,
			ClientQueue:   32,
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Dir:     RecordingsPath(),
		},
		Spool: SpoolConfig{
			Enabled: true,
			Bytes:   10 * 48000 * 2 * 2, // ten seconds of the default format
		},
		Opus: OpusConfig{
			Bitrate: 128000,
		},
		Meter: MeterConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		Tray: true,
	}
}

// Load reads the config from disk over the defaults. An empty path uses the
// platform config location; a missing file there is not an error. Values
// can be overridden with VINYLCAST_* environment variables.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load using a caller-provided viper instance, so command-line
// flags bound to it take precedence.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}

	setDefaults(v, Default())
	v.SetEnvPrefix("VINYLCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("audio.backend", d.Audio.Backend)
	v.SetDefault("audio.device_id", d.Audio.DeviceID)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.bit_depth", d.Audio.BitDepth)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.buffer_multiplier", d.Audio.BufferMultiplier)
	v.SetDefault("stream.listen", d.Stream.Listen)
	v.SetDefault("stream.websocket", d.Stream.Websocket)
	v.SetDefault("stream.websocket_mode", d.Stream.WebsocketMode)
	v.SetDefault("stream.client_queue", d.Stream.ClientQueue)
	v.SetDefault("recorder.enabled", d.Recorder.Enabled)
	v.SetDefault("recorder.dir", d.Recorder.Dir)
	v.SetDefault("spool.enabled", d.Spool.Enabled)
	v.SetDefault("spool.bytes", d.Spool.Bytes)
	v.SetDefault("opus.bitrate", d.Opus.Bitrate)
	v.SetDefault("meter.enabled", d.Meter.Enabled)
	v.SetDefault("meter.interval", d.Meter.Interval)
	v.SetDefault("tray", d.Tray)
}

// Validate rejects configurations the capture pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case BackendPortAudio, BackendMiniaudio:
	default:
		return fmt.Errorf("unknown audio backend %q", c.Audio.Backend)
	}
	switch c.Audio.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth %d", c.Audio.BitDepth)
	}
	if c.Audio.Channels < 1 {
		return fmt.Errorf("channel count must be at least 1")
	}
	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if c.Audio.BufferMultiplier < 1 {
		return fmt.Errorf("buffer multiplier must be at least 1, got %d", c.Audio.BufferMultiplier)
	}
	if _, _, err := net.SplitHostPort(c.Stream.Listen); err != nil {
		return fmt.Errorf("invalid stream listen address %q: %w", c.Stream.Listen, err)
	}
	switch c.Stream.WebsocketMode {
	case WebsocketPCM, WebsocketOpus:
	default:
		return fmt.Errorf("unknown websocket mode %q", c.Stream.WebsocketMode)
	}
	if c.Stream.ClientQueue < 1 {
		return fmt.Errorf("client queue must be at least 1")
	}
	if c.Spool.Enabled && c.Spool.Bytes <= 0 {
		return fmt.Errorf("spool size must be positive")
	}
	return nil
}

// SaveDeviceID selects the capture device and records it in the config
// file. Only audio.device_id changes on disk; values that came from flags,
// the environment or defaults are not written.
func (c *Config) SaveDeviceID(id string) error {
	c.Audio.DeviceID = id
	return c.persist("audio.device_id", id)
}

func (c *Config) persist(key string, value any) error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	v.Set(key, value)

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v.AllSettings(), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "vinylcast", "config.json")
}

// RecordingsPath returns the platform-specific directory for WAV recordings
func RecordingsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Music"
	case "windows":
		base = os.Getenv("USERPROFILE") + "\\Music"
	default:
		if xdg := os.Getenv("XDG_MUSIC_DIR"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/Music"
		}
	}

	return filepath.Join(base, "vinylcast")
}
