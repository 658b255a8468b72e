package ota

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/its-billboard/billboard-agent/internal/config"
)

func newGitHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	installer := strings.Repeat("x", 4096)
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/repos/acme/billboard/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("missing User-Agent, got %q", r.Header.Get("User-Agent"))
		}
		fmt.Fprintf(w, `{"tag_name":"v1.2.0","published_at":"2024-05-01T00:00:00Z","assets":[
			{"name":"ITS-Billboard-Setup-1.2.0.exe","size":4096,"browser_download_url":"%[1]s/dl/setup.exe"},
			{"name":"ITS-Billboard-1.2.0.AppImage","size":4096,"browser_download_url":"%[1]s/dl/app.AppImage"}]}`, srv.URL)
	})
	mux.HandleFunc("/dl/app.AppImage", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(installer)))
		io.WriteString(w, installer)
	})
	mux.HandleFunc("/repos/acme/billboard/releases/tags/v1.0.4", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"tag_name":"v1.0.4"}`)
	})
	mux.HandleFunc("/repos/acme/billboard/releases/tags/v1.0.5", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>rate limited</html>`)
	})
	mux.HandleFunc("/repos/acme/billboard/releases/tags/v1.0.6", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGitHubProvider(t *testing.T, baseURL string) *GitHubProvider {
	t.Helper()
	feed := config.UpdateFeed{Provider: "github", Owner: "acme", Repo: "billboard", ReleaseType: "release"}
	g := NewGitHubProvider(feed, t.TempDir(), 5*time.Second, log.New(io.Discard, "", 0))
	g.BaseURL = baseURL
	g.GOOS = "linux"
	return g
}

func TestGitHubCheckAndDownload(t *testing.T) {
	srv := newGitHubServer(t)
	g := newTestGitHubProvider(t, srv.URL)

	info, err := g.CheckForUpdates(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if info == nil || info.Version != "1.2.0" || len(info.Files) != 2 {
		t.Fatalf("unexpected update info %+v", info)
	}

	var last Progress
	calls := 0
	got, err := g.DownloadUpdate(context.Background(), func(p Progress) {
		calls++
		last = p
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if got.Version != "1.2.0" {
		t.Fatalf("unexpected downloaded version %q", got.Version)
	}
	if calls == 0 || last.Percent != 100 || last.Transferred != 4096 {
		t.Fatalf("final progress must report completion, got %+v after %d calls", last, calls)
	}
	data, err := os.ReadFile(filepath.Join(g.Dir, "ITS-Billboard-1.2.0.AppImage"))
	if err != nil {
		t.Fatalf("installer not written: %v", err)
	}
	if len(data) != 4096 {
		t.Fatalf("installer size = %d", len(data))
	}
}

func TestGitHubNoInstallerForPlatform(t *testing.T) {
	srv := newGitHubServer(t)
	g := newTestGitHubProvider(t, srv.URL)
	g.GOOS = "plan9"
	if _, err := g.DownloadUpdate(context.Background(), nil); err == nil {
		t.Fatalf("expected an error without a matching installer")
	}
}

func TestGitHubQuitAndInstallWithoutDownload(t *testing.T) {
	g := newTestGitHubProvider(t, "http://127.0.0.1:0")
	if err := g.QuitAndInstall(); err == nil {
		t.Fatalf("expected an error without a downloaded installer")
	}
}

// debProvider returns a provider holding a downloaded .deb whose installer
// commands run the test binary with args instead of dpkg.
func debProvider(t *testing.T, events *eventLog, args ...string) (*GitHubProvider, *fakeRestarter, *[]string) {
	t.Helper()
	g := newTestGitHubProvider(t, "http://127.0.0.1:0")
	restarter := &fakeRestarter{log: events}
	g.Restarter = NewTeardownRestarter(restarter, fakeResetter{log: events})
	var ran []string
	g.Command = func(name string, cmdArgs ...string) *exec.Cmd {
		ran = append([]string{name}, cmdArgs...)
		events.add("install")
		return exec.Command(os.Args[0], args...)
	}
	pkg := filepath.Join(g.Dir, "its-billboard_1.2.0_amd64.deb")
	if err := os.WriteFile(pkg, []byte("!<arch>"), 0o644); err != nil {
		t.Fatalf("write package: %v", err)
	}
	g.downloaded = pkg
	return g, restarter, &ran
}

func TestGitHubQuitAndInstallDebRelaunches(t *testing.T) {
	events := &eventLog{}
	g, restarter, ran := debProvider(t, events, "-test.run=^$")

	if err := g.QuitAndInstall(); err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(*ran) != 3 || (*ran)[0] != "dpkg" || (*ran)[1] != "-i" || (*ran)[2] != g.downloaded {
		t.Fatalf("unexpected installer command %v", *ran)
	}
	want := []string{"install", "disconnect", "relaunch", "exit"}
	got := events.all()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if !restarter.exited || restarter.exitCode != 0 {
		t.Fatalf("expected a clean exit after relaunch")
	}
}

func TestGitHubQuitAndInstallDebFailureKeepsRunning(t *testing.T) {
	events := &eventLog{}
	g, restarter, _ := debProvider(t, events, "-test.no-such-flag")

	if err := g.QuitAndInstall(); err == nil {
		t.Fatalf("expected a failed dpkg run to be reported")
	}
	if restarter.exited {
		t.Fatalf("a failed install must not exit the agent")
	}
	if got := events.all(); len(got) != 1 || got[0] != "install" {
		t.Fatalf("brokers must stay up after a failed install, events = %v", got)
	}
}

func TestTeardownRestarterDisconnectsOnce(t *testing.T) {
	events := &eventLog{}
	r := NewTeardownRestarter(&fakeRestarter{log: events}, fakeResetter{log: events})
	if err := r.Relaunch(); err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	r.Exit(0)

	want := []string{"disconnect", "relaunch", "exit"}
	got := events.all()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestGitHubLookupRelease(t *testing.T) {
	srv := newGitHubServer(t)
	g := newTestGitHubProvider(t, srv.URL)

	cases := []struct {
		version string
		exists  bool
		wantErr bool
	}{
		{"1.0.4", true, false},
		{"v1.0.4", true, false},
		{"1.0.3", false, false},
		{"1.0.5", false, false},
		{"1.0.6", false, true},
	}
	for _, tc := range cases {
		rel, err := g.LookupRelease(context.Background(), tc.version)
		if (err != nil) != tc.wantErr {
			t.Errorf("LookupRelease(%s) error = %v, wantErr %v", tc.version, err, tc.wantErr)
		}
		if rel.Exists != tc.exists {
			t.Errorf("LookupRelease(%s) exists = %v, want %v", tc.version, rel.Exists, tc.exists)
		}
	}

	var logs strings.Builder
	g.Logger = log.New(&logs, "", 0)
	srv.Close()
	rel, err := g.LookupRelease(context.Background(), "1.0.4")
	if err != nil || rel.Exists {
		t.Fatalf("network errors must degrade to exists=false, got %+v %v", rel, err)
	}
	if !strings.Contains(logs.String(), "treating release v1.0.4 as not found") {
		t.Fatalf("log must match the reported outcome, got %q", logs.String())
	}
}

func TestSimulatedProviderProgress(t *testing.T) {
	events := &eventLog{}
	p := &SimulatedProvider{Latest: "2.0.0", Restarter: &fakeRestarter{log: events}}
	var percents []float64
	info, err := p.DownloadUpdate(context.Background(), func(pr Progress) { percents = append(percents, pr.Percent) })
	if err != nil || info.Version != "2.0.0" {
		t.Fatalf("unexpected download result %+v %v", info, err)
	}
	if len(percents) != 6 || percents[0] != 0 || percents[5] != 100 {
		t.Fatalf("unexpected progress %v", percents)
	}
	if err := p.QuitAndInstall(); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := events.all(); len(got) != 2 || got[0] != "relaunch" || got[1] != "exit" {
		t.Fatalf("unexpected restarter calls %v", got)
	}
}
