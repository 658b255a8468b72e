package ota

import (
	"context"
	"sync"
	"time"
)

// SimulatedProvider is an offline UpdateProvider. It reports Latest as the
// newest release and "downloads" it in fixed steps.
type SimulatedProvider struct {
	Latest    string
	CheckErr  error
	Step      time.Duration
	Restarter Restarter

	mu        sync.Mutex
	checks    int
	downloads int
	installs  int
}

func (s *SimulatedProvider) CheckForUpdates(ctx context.Context) (*UpdateInfo, error) {
	s.mu.Lock()
	s.checks++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.CheckErr != nil {
		return nil, s.CheckErr
	}
	if s.Latest == "" {
		return nil, nil
	}
	return &UpdateInfo{Version: s.Latest, ReleaseDate: time.Now().UTC().Format(time.RFC3339)}, nil
}

func (s *SimulatedProvider) DownloadUpdate(ctx context.Context, onProgress func(Progress)) (*UpdateInfo, error) {
	s.mu.Lock()
	s.downloads++
	s.mu.Unlock()
	const total = 1 << 20
	for p := 0; p <= 100; p += 20 {
		if onProgress != nil {
			onProgress(Progress{Percent: float64(p), Transferred: total * int64(p) / 100, Total: total})
		}
		if s.Step > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.Step):
			}
		}
	}
	return &UpdateInfo{Version: s.Latest}, nil
}

// QuitAndInstall relaunches through the restarter, when one is set.
func (s *SimulatedProvider) QuitAndInstall() error {
	s.mu.Lock()
	s.installs++
	s.mu.Unlock()
	if s.Restarter == nil {
		return nil
	}
	if err := s.Restarter.Relaunch(); err != nil {
		return err
	}
	s.Restarter.Exit(0)
	return nil
}

// Counts reports how many checks, downloads and installs were requested.
func (s *SimulatedProvider) Counts() (checks, downloads, installs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks, s.downloads, s.installs
}
