package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/its-billboard/billboard-agent/internal/config"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	userAgent        = "ITS-Billboard-App"
	lookupTimeout    = 10 * time.Second
	progressInterval = 500 * time.Millisecond
)

type ghAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt string    `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

// GitHubProvider checks and downloads releases published on GitHub, using the
// feed described by app-update.yml.
type GitHubProvider struct {
	Feed       config.UpdateFeed
	Dir        string
	BaseURL    string
	HTTPClient *http.Client
	Restarter  Restarter
	Logger     *log.Logger
	GOOS       string
	// Command builds installer processes; exec.Command when nil.
	Command func(name string, args ...string) *exec.Cmd

	mu         sync.Mutex
	latest     *ghRelease
	downloaded string
}

// NewGitHubProvider returns a provider that stores installers under dir.
func NewGitHubProvider(feed config.UpdateFeed, dir string, timeout time.Duration, logger *log.Logger) *GitHubProvider {
	if logger == nil {
		logger = log.New(os.Stderr, "[OTA] ", log.LstdFlags)
	}
	return &GitHubProvider{
		Feed:       feed,
		Dir:        dir,
		BaseURL:    defaultGitHubAPI,
		HTTPClient: &http.Client{Timeout: timeout},
		Restarter:  ProcessRestarter{},
		Logger:     logger,
		GOOS:       runtime.GOOS,
	}
}

func (g *GitHubProvider) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	return g.HTTPClient.Do(req)
}

func (g *GitHubProvider) repoURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", strings.TrimRight(g.BaseURL, "/"), g.Feed.Owner, g.Feed.Repo, path)
}

// latestRelease returns the newest published release. Prereleases count only
// when the feed asks for them.
func (g *GitHubProvider) latestRelease(ctx context.Context) (*ghRelease, error) {
	allowPre := g.Feed.ReleaseType == "prerelease"
	path := "/releases/latest"
	if allowPre {
		path = "/releases?per_page=10"
	}
	resp, err := g.get(ctx, g.repoURL(path))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}

	if !allowPre {
		var rel ghRelease
		if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
			return nil, fmt.Errorf("failed to decode release: %w", err)
		}
		return &rel, nil
	}
	var rels []ghRelease
	if err := json.NewDecoder(resp.Body).Decode(&rels); err != nil {
		return nil, fmt.Errorf("failed to decode releases: %w", err)
	}
	for i := range rels {
		if !rels[i].Draft {
			return &rels[i], nil
		}
	}
	return nil, nil
}

func (r *ghRelease) info() *UpdateInfo {
	info := &UpdateInfo{Version: normalizeTag(r.TagName), ReleaseDate: r.PublishedAt}
	for _, a := range r.Assets {
		info.Files = append(info.Files, File{URL: a.BrowserDownloadURL, Size: a.Size})
	}
	return info
}

func (g *GitHubProvider) CheckForUpdates(ctx context.Context) (*UpdateInfo, error) {
	rel, err := g.latestRelease(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.latest = rel
	g.mu.Unlock()
	if rel == nil {
		g.Logger.Printf("No releases published for %s/%s", g.Feed.Owner, g.Feed.Repo)
		return nil, nil
	}
	return rel.info(), nil
}

// installerExtensions lists acceptable installer suffixes per OS, most preferred first.
var installerExtensions = map[string][]string{
	"windows": {".exe", ".msi"},
	"linux":   {".appimage", ".deb"},
	"darwin":  {".dmg", ".zip"},
}

func (g *GitHubProvider) selectAsset(rel *ghRelease) (ghAsset, error) {
	for _, ext := range installerExtensions[g.GOOS] {
		for _, a := range rel.Assets {
			if strings.HasSuffix(strings.ToLower(a.Name), ext) {
				return a, nil
			}
		}
	}
	return ghAsset{}, fmt.Errorf("release %s has no installer for %s", rel.TagName, g.GOOS)
}

func (g *GitHubProvider) DownloadUpdate(ctx context.Context, onProgress func(Progress)) (*UpdateInfo, error) {
	g.mu.Lock()
	rel := g.latest
	g.mu.Unlock()
	if rel == nil {
		if _, err := g.CheckForUpdates(ctx); err != nil {
			return nil, err
		}
		g.mu.Lock()
		rel = g.latest
		g.mu.Unlock()
		if rel == nil {
			return nil, errors.New("no release to download")
		}
	}

	asset, err := g.selectAsset(rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create installer directory: %w", err)
	}
	target := filepath.Join(g.Dir, filepath.Base(asset.Name))
	if err := g.fetch(ctx, asset, target, onProgress); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.downloaded = target
	g.mu.Unlock()
	g.Logger.Printf("Update %s downloaded to %s", rel.TagName, target)
	return rel.info(), nil
}

// fetch streams the asset into target via a .part file, reporting progress
// at most every progressInterval and once at the end.
func (g *GitHubProvider) fetch(ctx context.Context, asset ghAsset, target string, onProgress func(Progress)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.BrowserDownloadURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/octet-stream")
	// Downloads can outlast the API timeout.
	client := *g.HTTPClient
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = asset.Size
	}

	part := target + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", part, err)
	}

	start := time.Now()
	lastReport := time.Time{}
	var transferred int64
	report := func() {
		if onProgress == nil {
			return
		}
		p := Progress{Transferred: transferred, Total: total}
		if total > 0 {
			p.Percent = float64(transferred) / float64(total) * 100
		}
		if secs := time.Since(start).Seconds(); secs > 0 {
			p.BytesPerSecond = int64(float64(transferred) / secs)
		}
		onProgress(p)
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(part)
				return fmt.Errorf("failed to write installer: %w", werr)
			}
			transferred += int64(n)
			if time.Since(lastReport) >= progressInterval {
				lastReport = time.Now()
				report()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(part)
			return fmt.Errorf("download interrupted: %w", rerr)
		}
	}
	report()

	if err := f.Close(); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, target)
}

func (g *GitHubProvider) command(name string, args ...string) *exec.Cmd {
	if g.Command != nil {
		return g.Command(name, args...)
	}
	return exec.Command(name, args...)
}

// QuitAndInstall installs the downloaded update and exits. A .deb package is
// installed in place with dpkg and the agent relaunched afterwards; any other
// installer is started detached and is expected to relaunch the app itself.
func (g *GitHubProvider) QuitAndInstall() error {
	g.mu.Lock()
	path := g.downloaded
	g.mu.Unlock()
	if path == "" {
		return errors.New("no downloaded update to install")
	}

	if strings.HasSuffix(strings.ToLower(path), ".deb") {
		out, err := g.command("dpkg", "-i", path).CombinedOutput()
		if err != nil {
			return fmt.Errorf("dpkg -i %s failed: %w: %s", filepath.Base(path), err, strings.TrimSpace(string(out)))
		}
		g.Logger.Printf("Package %s installed, relaunching", path)
		if err := g.Restarter.Relaunch(); err != nil {
			return err
		}
		g.Restarter.Exit(0)
		return nil
	}

	if g.GOOS != "windows" {
		if err := os.Chmod(path, 0o755); err != nil {
			return fmt.Errorf("failed to make installer executable: %w", err)
		}
	}
	cmd := g.command(path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start installer: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		g.Logger.Printf("Failed to detach installer: %v", err)
	}
	g.Logger.Printf("Installer %s started, exiting", path)
	g.Restarter.Exit(0)
	return nil
}

// LookupRelease checks whether the tag v<version> is published. Missing
// releases, network errors, timeouts and unreadable bodies all report
// Exists=false without an error; only unexpected status codes are errors.
func (g *GitHubProvider) LookupRelease(ctx context.Context, version string) (Release, error) {
	tag := "v" + normalizeTag(version)
	fallback := Release{Tag: tag}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	resp, err := g.get(ctx, g.repoURL("/releases/tags/"+tag))
	if err != nil {
		g.Logger.Printf("GitHub API request failed, treating release %s as not found: %v", tag, err)
		return fallback, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		g.Logger.Printf("GitHub release %s not found", tag)
		return fallback, nil
	default:
		return fallback, fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}

	var rel ghRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		g.Logger.Printf("GitHub API parse error, treating release %s as not found: %v", tag, err)
		return fallback, nil
	}
	if rel.TagName == "" {
		return fallback, nil
	}
	return Release{Tag: rel.TagName, Exists: true}, nil
}
