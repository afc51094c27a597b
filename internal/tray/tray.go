package tray

import (
	"context"
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/petems/vinylcast/internal/app"
	"github.com/petems/vinylcast/internal/config"
	"github.com/rs/zerolog"
)

type UI struct {
	app       *app.App
	cfg       *config.Config
	streamURL string
	version   string
	commit    string
	log       zerolog.Logger

	// Menu items
	mStartStop *systray.MenuItem
	mDevices   *systray.MenuItem
	mCopyURL   *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetRecording() {
	u.updateStatus("recording")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(application *app.App, cfg *config.Config, streamURL, version, commit string, log zerolog.Logger) *UI {
	return &UI{
		app:       application,
		cfg:       cfg,
		streamURL: streamURL,
		version:   version,
		commit:    commit,
		log:       log.With().Str("component", "tray").Logger(),
	}
}

// Run blocks on the systray loop until Quit is chosen or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, systray.Quit)
	defer stop()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	capturing := u.app.IsCapturing()
	systray.SetTooltip(fmt.Sprintf("vinylcast %s", u.version))

	// Build menu
	u.mStartStop = systray.AddMenuItem(startStopTitle(capturing), "Start or stop capturing")
	systray.AddSeparator()

	u.mCopyURL = systray.AddMenuItem("Copy Stream URL", u.streamURL)
	u.mDevices = systray.AddMenuItem("Input Device", "Select audio device")
	u.buildDeviceMenu()

	systray.AddSeparator()
	mAbout := systray.AddMenuItem("About", "About vinylcast")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	if capturing {
		u.updateStatus("recording")
	} else {
		u.updateStatus("idle")
	}

	// Event loop
	go u.handleEvents(mAbout, mQuit)
}

func (u *UI) handleEvents(mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			u.toggleCapture()
		case <-u.mCopyURL.ClickedCh:
			u.copyStreamURL()
		case <-mAbout.ClickedCh:
			u.log.Info().Str("version", u.version).Str("commit", u.commit).Msg("About vinylcast")
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) toggleCapture() {
	if err := u.app.Toggle(); err != nil {
		u.log.Error().Err(err).Msg("Failed to toggle capture")
	}
	u.mStartStop.SetTitle(startStopTitle(u.app.IsCapturing()))
}

func (u *UI) copyStreamURL() {
	if err := clipboard.WriteAll(u.streamURL); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy stream URL")
		return
	}
	u.log.Info().Str("url", u.streamURL).Msg("Copied stream URL")
}

func (u *UI) buildDeviceMenu() {
	// Get devices from app
	devices, err := u.app.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}

	deviceItems := make(map[string]*systray.MenuItem)

	for _, dev := range devices {
		item := u.mDevices.AddSubMenuItem(dev.Name, "")
		if deviceSelected(dev.ID, dev.Default, u.cfg.Audio.DeviceID) {
			item.Check()
		}
		deviceItems[dev.ID] = item

		go func(deviceID, deviceName string, menuItem *systray.MenuItem) {
			for {
				<-menuItem.ClickedCh
				if err := u.app.SetDevice(deviceID); err != nil {
					u.log.Error().Err(err).Msg("Failed to change audio device")
					continue
				}
				// Uncheck all other items
				for id, itm := range deviceItems {
					if id != deviceID {
						itm.Uncheck()
					}
				}
				// Check this item
				menuItem.Check()
				u.log.Info().Str("device", deviceName).Msg("Changed audio device")
			}
		}(dev.ID, dev.Name, item)
	}
}

func (u *UI) onExit() {
	// Cleanup
}

// updateStatus sets the tray title with a record emoji and status indicator
func (u *UI) updateStatus(status string) {
	emoji := emojiForStatus(status)
	systray.SetTitle(fmt.Sprintf("💿 %s", emoji))
	if u.mStartStop != nil {
		u.mStartStop.SetTitle(startStopTitle(status == "recording"))
	}
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "recording":
		return "🔴" // Red - capturing
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

func startStopTitle(capturing bool) string {
	if capturing {
		return "Stop Capture"
	}
	return "Start Capture"
}

// deviceSelected reports whether a device should be checked in the menu: the
// configured device, or the system default when none is configured.
func deviceSelected(id string, isDefault bool, configured string) bool {
	if configured == "" {
		return isDefault
	}
	return id == configured
}
