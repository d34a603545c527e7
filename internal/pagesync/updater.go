package pagesync

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Updater is the software update channel. Each action is triggered on its
// own; progress and availability come back through UpdateEvents.
type Updater interface {
	Check(ctx context.Context) error
	Download(ctx context.Context) error
	Install(ctx context.Context) error
}

// UpdateEvents receives update channel notifications.
type UpdateEvents interface {
	UpdateAvailable(version string)
	DownloadProgress(percent float64, transferred, total int64)
	UpdateDownloaded(version string)
}

// logUpdateEvents writes update notifications to the log.
type logUpdateEvents struct{}

func (logUpdateEvents) UpdateAvailable(version string) {
	log.Printf("[UPDATER] update available: %s", version)
}

func (logUpdateEvents) DownloadProgress(percent float64, transferred, total int64) {
	log.Printf("[UPDATER] download progress: %.0f%% (%s/%s)", percent,
		formatBytes(uint64(transferred)), formatBytes(uint64(total)))
}

func (logUpdateEvents) UpdateDownloaded(version string) {
	log.Printf("[UPDATER] update downloaded: %s", version)
}

// noopUpdater stands in when no update channel is wired.
type noopUpdater struct{}

func (noopUpdater) Check(context.Context) error {
	log.Printf("[UPDATER] no update channel configured")
	return nil
}

func (noopUpdater) Download(context.Context) error { return ErrNoUpdater }
func (noopUpdater) Install(context.Context) error  { return ErrNoUpdater }

// runUpdateAction dispatches one of "check", "download" or "install".
func runUpdateAction(ctx context.Context, u Updater, action string) error {
	switch strings.ToLower(action) {
	case "check":
		return u.Check(ctx)
	case "download":
		return u.Download(ctx)
	case "install":
		return u.Install(ctx)
	default:
		return fmt.Errorf("unknown update action %q", action)
	}
}
