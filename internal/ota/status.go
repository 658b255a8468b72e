package ota

// Status is the value of the status field of an update status event.
type Status string

const (
	StatusChecking                   Status = "checking"
	StatusDownloading                Status = "downloading"
	StatusDownloadComplete           Status = "download_complete"
	StatusInstalling                 Status = "installing"
	StatusUpToDate                   Status = "up_to_date"
	StatusUpdateAvailable            Status = "update_available"
	StatusError                      Status = "error"
	StatusNoUpdatesButForceRequested Status = "no_updates_but_force_requested"
	StatusDowngradeRequested         Status = "downgrade_requested"
	StatusRestarting                 Status = "restarting"
	StatusResetStarted               Status = "reset_started"
)

// Error codes carried by StatusError events.
const (
	CodeCheckFailed         = "CHECK_FAILED"
	CodeCommandHandlerError = "COMMAND_HANDLER_ERROR"
	CodeHandlerError        = "HANDLER_ERROR"
	CodeBusy                = "BUSY"
	CodeInvalidCommand      = "INVALID_COMMAND"
	CodeDownloadFailed      = "DOWNLOAD_FAILED"
	CodeInstallFailed       = "INSTALL_FAILED"
)

// StatusEvent is published on the update status topic.
type StatusEvent struct {
	Status           Status      `json:"status"`
	Timestamp        int64       `json:"timestamp"`
	MessageID        string      `json:"messageId,omitempty"`
	Percent          *int        `json:"percent,omitempty"`
	Version          string      `json:"version,omitempty"`
	CurrentVersion   string      `json:"currentVersion,omitempty"`
	RequestedVersion string      `json:"requestedVersion,omitempty"`
	LatestVersion    string      `json:"latestVersion,omitempty"`
	HasUpdate        *bool       `json:"hasUpdate,omitempty"`
	UpdateInfo       *UpdateInfo `json:"updateInfo,omitempty"`
	BytesPerSecond   int64       `json:"bytesPerSecond,omitempty"`
	Transferred      int64       `json:"transferred,omitempty"`
	Total            int64       `json:"total,omitempty"`
	ReleaseExists    *bool       `json:"releaseExists,omitempty"`
	Error            string      `json:"error,omitempty"`
	ErrorCode        string      `json:"errorCode,omitempty"`
	Message          string      `json:"message,omitempty"`
}

// Ack confirms receipt of a force_update command. It is always sent before any status event for it.
type Ack struct {
	Type          string `json:"type"`
	DeviceID      string `json:"deviceId"`
	DeviceVersion string `json:"deviceVersion"`
	MessageID     string `json:"messageId"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
	Message       string `json:"message"`
}

// ResetStatus is published on the reset status topic.
type ResetStatus struct {
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
