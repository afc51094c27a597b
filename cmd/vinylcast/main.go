package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petems/vinylcast/internal/app"
	"github.com/petems/vinylcast/internal/audio"
	"github.com/petems/vinylcast/internal/audio/miniaudio"
	"github.com/petems/vinylcast/internal/audio/portaudio"
	"github.com/petems/vinylcast/internal/capture"
	"github.com/petems/vinylcast/internal/config"
	"github.com/petems/vinylcast/internal/encoder"
	"github.com/petems/vinylcast/internal/logging"
	"github.com/petems/vinylcast/internal/permissions"
	"github.com/petems/vinylcast/internal/sink"
	"github.com/petems/vinylcast/internal/stream"
	"github.com/petems/vinylcast/internal/tray"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfgFile  string
	headless bool
	v        = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "vinylcast",
	Short: "Capture line-in audio and stream it over HTTP",
	Long: `vinylcast captures PCM from an audio input (a turntable on line-in, for
example) and serves it as a live WAV stream, over websockets and to disk.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices for the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		driver, err := newDriver(cfg, log)
		if err != nil {
			return err
		}
		defer driver.Close()

		devices, err := driver.ListDevices()
		if err != nil {
			return err
		}
		for _, d := range devices {
			marker := " "
			if d.Default {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, d.Name)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vinylcast %s (%s)\n", Version, Commit)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is the platform config dir)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("backend", config.BackendPortAudio, "audio backend (portaudio or miniaudio)")
	flags.String("device", "", "capture device name (default input when empty)")
	flags.String("listen", ":8080", "stream server listen address")
	flags.Bool("record", false, "record each session to a WAV file")
	flags.BoolVar(&headless, "headless", false, "run without the tray icon")

	v.BindPFlag("log_level", flags.Lookup("log-level"))
	v.BindPFlag("audio.backend", flags.Lookup("backend"))
	v.BindPFlag("audio.device_id", flags.Lookup("device"))
	v.BindPFlag("stream.listen", flags.Lookup("listen"))
	v.BindPFlag("recorder.enabled", flags.Lookup("record"))

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	// Load config from XDG/Library/AppData
	cfg, err := config.LoadWith(v, cfgFile)
	if err != nil {
		return nil, logging.New(), fmt.Errorf("failed to load config: %w", err)
	}
	if headless {
		cfg.Tray = false
	}

	// Initialize logger with configured level
	return cfg, logging.NewWithLevel(cfg.LogLevel), nil
}

func newDriver(cfg *config.Config, log zerolog.Logger) (audio.Driver, error) {
	switch cfg.Audio.Backend {
	case config.BackendMiniaudio:
		return miniaudio.New(cfg.Audio, log)
	default:
		return portaudio.New(cfg.Audio, log)
	}
}

// pipeline holds the listeners that live across sessions.
type pipeline struct {
	cfg   *config.Config
	log   zerolog.Logger
	hub   *stream.Hub
	spool *sink.Spool
	meter *sink.Meter
}

// listeners builds the listener set for one session. Recorders and encoders
// carry per-session state, so they are created fresh, and they run behind
// their own pipe so file I/O and encoding stay off the capture goroutine.
func (p *pipeline) listeners() []capture.Listener {
	var ls []capture.Listener
	if p.meter != nil {
		ls = append(ls, p.meter)
	}
	if p.spool != nil {
		ls = append(ls, p.spool)
	}
	if p.cfg.Recorder.Enabled {
		ls = append(ls, capture.Async(sink.NewWAVRecorder(p.cfg.Recorder.Dir, p.log), p.log))
	}
	if p.hub != nil {
		ls = append(ls, stream.NewTap(p.hub, p.cfg.Stream.WebsocketMode))
		if p.cfg.Stream.WebsocketMode == config.WebsocketOpus {
			ls = append(ls, capture.Async(encoder.NewOpus(p.cfg.Opus.Bitrate, p.hub.Broadcast, p.log), p.log))
		}
	}
	return ls
}

func run() error {
	cfg, log, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return err
	}

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsurePermissions(); err != nil {
		log.Error().Err(err).Msg("Required permissions not granted")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	driver, err := newDriver(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return err
	}
	defer driver.Close()

	p := &pipeline{cfg: cfg, log: log}
	if cfg.Meter.Enabled {
		p.meter = sink.NewMeter(cfg.Meter.Interval, log)
	}
	if cfg.Spool.Enabled {
		p.spool, err = sink.NewSpool(int64(cfg.Spool.Bytes), log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create spool")
			return err
		}
		defer p.spool.Close()
	}
	if cfg.Stream.Websocket {
		p.hub = stream.NewHub(cfg.Stream.ClientQueue, log)
	}

	var (
		application *app.App
		server      *stream.Server
		spool       stream.WAVWriter
	)
	if p.spool != nil {
		spool = p.spool
	}
	server = stream.NewServer(stream.Config{
		Addr:        cfg.Stream.Listen,
		ClientQueue: cfg.Stream.ClientQueue,
		Hub:         p.hub,
		Spool:       spool,
		Status: func() any {
			st := map[string]any{
				"version": Version,
				"capture": application.Status(),
				"stream":  server.Stats(),
			}
			if p.meter != nil {
				st["level"] = p.meter.Level()
			}
			return st
		},
		Logger: log,
	})

	application = app.New(app.Config{
		Driver:    driver,
		Consumer:  server,
		Listeners: p.listeners,
		Config:    cfg,
		Logger:    log,
	})

	var serveErr error
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		serveErr = server.ListenAndServe(ctx)
	}()

	log.Info().
		Str("version", Version).
		Str("backend", cfg.Audio.Backend).
		Str("url", server.URL()).
		Msg("vinylcast starting...")

	if err := application.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start capture")
	}

	if cfg.Tray {
		trayUI := tray.New(application, cfg, server.URL(), Version, Commit, log)
		application.SetStatusUpdater(trayUI)

		// Start tray UI - MUST run on main thread
		if err := trayUI.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Tray error")
		}
		cancel()
	} else {
		select {
		case <-ctx.Done():
		case <-serverDone:
			if serveErr != nil {
				log.Error().Err(serveErr).Msg("Stream server failed")
			}
			cancel()
		}
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := application.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Shutdown error")
	}

	select {
	case <-serverDone:
		return serveErr
	case <-shutdownCtx.Done():
		return nil
	}
}
