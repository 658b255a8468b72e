package config

import "flag" // Import the flag package

// Global command-line flag definitions.
// These are pointers returned by the flag functions.
var (
	// Flags corresponding to command-line options
	DebugFlag      = flag.Bool("v", false, "Enable verbose/debug output (logs MQTT payloads)")
	ConfigFileFlag = flag.String("f", "config.json", "Path to the billboard configuration JSON file")
	EnvFileFlag    = flag.String("env", ".env", "Path to an optional .env file with BILLBOARD_* overrides")
	FeedFileFlag   = flag.String("feed", "app-update.yml", "Path to the update feed descriptor (created if missing)")
	ListenFlag     = flag.String("listen", "127.0.0.1:8090", "HTTP listen address for the display surface")
	VersionFlag    = flag.String("version", "", "Override the running application version")
)

// AppName is reported as the device id when none is configured.
const AppName = "its-billboard"

// Version is the running application version. It can be injected at build time via
// -ldflags "-X github.com/its-billboard/billboard-agent/internal/config.Version=1.0.3".
var Version = "1.0.0"
