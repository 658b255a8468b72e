package mqtt

import "log"

// ManifestLogger is the default ManifestRefresher: it records the request and
// hands it to Hook when one is set. The logo sync itself lives elsewhere.
type ManifestLogger struct {
	Logger *log.Logger
	Hook   func(payload string)
}

func (m ManifestLogger) RefreshManifest(payload string) {
	if m.Logger != nil {
		m.Logger.Printf("Manifest refresh requested: %s", truncate([]byte(payload)))
	}
	if m.Hook != nil {
		m.Hook(payload)
	}
}
