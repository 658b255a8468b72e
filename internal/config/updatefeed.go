package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// UpdateFeed mirrors the app-update.yml descriptor read by the updater.
type UpdateFeed struct {
	Provider            string `yaml:"provider"`
	Owner               string `yaml:"owner"`
	Repo                string `yaml:"repo"`
	ReleaseType         string `yaml:"releaseType,omitempty"`
	UpdaterCacheDirName string `yaml:"updaterCacheDirName,omitempty"`
}

// DefaultUpdateFeed is written when no descriptor exists yet.
func DefaultUpdateFeed() UpdateFeed {
	return UpdateFeed{
		Provider:            "github",
		Owner:               "MQuan-eoh",
		Repo:                "OutdoorBillboard_Dashboard",
		ReleaseType:         "release",
		UpdaterCacheDirName: "its-billboard-updater",
	}
}

// EnsureUpdateFeed loads the descriptor at path, creating it with the default
// feed if the file does not exist.
func EnsureUpdateFeed(path string) (UpdateFeed, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		feed := DefaultUpdateFeed()
		out, err := yaml.Marshal(feed)
		if err != nil {
			return feed, fmt.Errorf("failed to encode default update feed: %w", err)
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return feed, fmt.Errorf("failed to create feed directory: %w", err)
			}
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return feed, fmt.Errorf("failed to write update feed '%s': %w", path, err)
		}
		log.Printf("Created default update feed at %s (%s/%s)", path, feed.Owner, feed.Repo)
		return feed, nil
	}
	if err != nil {
		return UpdateFeed{}, fmt.Errorf("failed to read update feed '%s': %w", path, err)
	}

	var feed UpdateFeed
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return UpdateFeed{}, fmt.Errorf("failed to decode update feed '%s': %w", path, err)
	}
	if feed.Provider == "" {
		feed.Provider = "github"
	}
	if feed.Provider != "github" {
		return feed, fmt.Errorf("unsupported update provider %q", feed.Provider)
	}
	if feed.Owner == "" || feed.Repo == "" {
		return feed, fmt.Errorf("update feed '%s' is missing owner or repo", path)
	}
	return feed, nil
}
