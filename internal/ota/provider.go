package ota

import "context"

// File is one downloadable artifact of a release.
type File struct {
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// UpdateInfo describes the newest release known to the provider.
type UpdateInfo struct {
	Version     string `json:"version"`
	ReleaseDate string `json:"releaseDate,omitempty"`
	Files       []File `json:"files,omitempty"`
}

// Progress is reported while an update downloads.
type Progress struct {
	Percent        float64
	BytesPerSecond int64
	Transferred    int64
	Total          int64
}

// UpdateProvider is the OS-level updater the orchestrator drives.
type UpdateProvider interface {
	// CheckForUpdates returns the latest release, or nil when the feed has none.
	CheckForUpdates(ctx context.Context) (*UpdateInfo, error)
	// DownloadUpdate fetches the release found by the last check.
	DownloadUpdate(ctx context.Context, onProgress func(Progress)) (*UpdateInfo, error)
	// QuitAndInstall starts the installer and terminates the process.
	QuitAndInstall() error
}

// Release is the result of looking up a tagged release.
type Release struct {
	Tag    string
	Exists bool
}

// ReleaseLookup is implemented by providers that can confirm a specific release exists.
// Lookups degrade gracefully: network trouble reports Exists=false rather than an error.
type ReleaseLookup interface {
	LookupRelease(ctx context.Context, version string) (Release, error)
}

// Restarter relaunches and terminates the running process.
type Restarter interface {
	Relaunch() error
	Exit(code int)
}

// BrokerResetter tears down every broker connection and pending timer before a restart.
type BrokerResetter interface {
	Disconnect()
}

// Publisher delivers status messages; it must never block on a missing broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}
