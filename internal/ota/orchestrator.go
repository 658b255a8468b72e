package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/its-billboard/billboard-agent/internal/metrics"
)

// Topics names the outbound topics.
type Topics struct {
	UpdateStatus string
	UpdateAck    string
	ResetStatus  string
}

// Config identifies the device in acks and status events.
type Config struct {
	DeviceID       string
	CurrentVersion string
	Topics         Topics
}

// Timings holds every delay the orchestrator waits on.
type Timings struct {
	ProgressStep time.Duration // between simulated progress steps
	InstallGrace time.Duration // download_complete -> installing
	ResetGrace   time.Duration // reset_started -> broker teardown
	RestartDelay time.Duration // restarting -> relaunch
	CheckTimeout time.Duration // bound on provider check and lookup calls
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		ProgressStep: 300 * time.Millisecond,
		InstallGrace: 2 * time.Second,
		ResetGrace:   500 * time.Millisecond,
		RestartDelay: time.Second,
		CheckTimeout: 15 * time.Second,
	}
}

// State is a snapshot of the orchestrator for the local status endpoint.
type State struct {
	Busy           bool   `json:"busy"`
	Resetting      bool   `json:"resetting"`
	Action         Action `json:"action,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	LastStatus     Status `json:"lastStatus,omitempty"`
	Percent        int    `json:"percent"`
	CurrentVersion string `json:"currentVersion"`
}

// Orchestrator runs one update command at a time. While a check or force
// update is in flight further ones are rejected with BUSY; reset_app is always
// accepted and supersedes whatever is running.
type Orchestrator struct {
	cfg       Config
	provider  UpdateProvider
	publisher Publisher
	restarter Restarter
	resetter  BrokerResetter
	timings   Timings
	logger    *log.Logger
	metrics   *metrics.Metrics
	ctx       context.Context
	now       func() time.Time

	mu         sync.Mutex
	busy       bool
	resetting  bool
	action     Action
	messageID  string
	lastStatus Status
	percent    int

	wg sync.WaitGroup
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithRestarter(r Restarter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.restarter = r
		}
	}
}

func WithBrokerResetter(r BrokerResetter) Option {
	return func(o *Orchestrator) { o.resetter = r }
}

func WithTimings(t Timings) Option {
	return func(o *Orchestrator) { o.timings = t }
}

// WithContext sets the context provider calls derive from; cancelling it aborts in-flight work.
func WithContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator publishing through publisher.
func New(cfg Config, provider UpdateProvider, publisher Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		provider:  provider,
		publisher: publisher,
		restarter: ProcessRestarter{},
		timings:   DefaultTimings(),
		logger:    log.New(os.Stderr, "[OTA] ", log.LstdFlags),
		ctx:       context.Background(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleCommand decodes a commands-topic payload and starts it in the
// background. It never blocks: it runs on the MQTT delivery path.
func (o *Orchestrator) HandleCommand(payload []byte) {
	cmd, meta, err := DecodeCommand(payload)
	switch {
	case errors.Is(err, ErrMalformed):
		o.metrics.Command("unknown", "malformed")
		o.logger.Printf("Dropping malformed command: %v", err)
		return
	case errors.Is(err, ErrUnknownAction):
		o.metrics.Command("unknown", "invalid")
		o.logger.Printf("Rejecting command: %v", err)
		o.spawn("unknown", meta.MessageID, func() {
			o.publishStatus(StatusEvent{
				Status:    StatusError,
				MessageID: meta.MessageID,
				Error:     err.Error(),
				ErrorCode: CodeInvalidCommand,
			})
		})
		return
	}
	if err := o.Submit(cmd); err != nil {
		o.logger.Printf("Command %s (%s) not started: %v", cmd.Action(), meta.MessageID, err)
	}
}

// Submit starts cmd in the background. It returns ErrBusy when a check or
// force update is already running, in which case a BUSY status is published.
func (o *Orchestrator) Submit(cmd Command) error {
	meta := cmd.Meta()
	action := cmd.Action()
	o.logger.Printf("Processing %s command (messageId=%s source=%s)", action, meta.MessageID, meta.Source)

	switch c := cmd.(type) {
	case ResetApp:
		o.mu.Lock()
		if o.resetting {
			o.mu.Unlock()
			o.metrics.Command(string(action), "duplicate")
			return errors.New("ota: reset already in progress")
		}
		o.resetting = true
		o.mu.Unlock()
		o.metrics.Command(string(action), "accepted")
		o.spawn(string(action), meta.MessageID, func() { o.reset(c) })
		return nil

	case CheckUpdate, ForceUpdate:
		o.mu.Lock()
		if o.busy || o.resetting {
			running, runningID := o.action, o.messageID
			o.mu.Unlock()
			o.metrics.Command(string(action), "busy")
			o.spawn(string(action), meta.MessageID, func() {
				o.publishStatus(StatusEvent{
					Status:         StatusError,
					MessageID:      meta.MessageID,
					CurrentVersion: o.cfg.CurrentVersion,
					Error:          fmt.Sprintf("%s (%s %s)", ErrBusy, running, runningID),
					ErrorCode:      CodeBusy,
				})
			})
			return ErrBusy
		}
		o.busy = true
		o.action = action
		o.messageID = meta.MessageID
		o.percent = 0
		o.mu.Unlock()
		o.metrics.Command(string(action), "accepted")

		o.spawn(string(action), meta.MessageID, func() {
			defer o.finish()
			if f, ok := c.(ForceUpdate); ok {
				o.forceUpdate(f)
			} else {
				o.checkUpdate(meta)
			}
		})
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnknownAction, cmd)
}

// TriggerReset starts a reset without a remote command.
func (o *Orchestrator) TriggerReset(reason string) error {
	if reason == "" {
		reason = "manual"
	}
	return o.Submit(ResetApp{Info: Meta{Timestamp: o.now().UnixMilli(), Source: "local"}, Reason: reason})
}

// State returns what the orchestrator is doing right now.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		Busy:           o.busy,
		Resetting:      o.resetting,
		Action:         o.action,
		MessageID:      o.messageID,
		LastStatus:     o.lastStatus,
		Percent:        o.percent,
		CurrentVersion: o.cfg.CurrentVersion,
	}
}

// Wait blocks until every background command has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.busy = false
	o.action = ""
	o.messageID = ""
	o.mu.Unlock()
}

// spawn runs fn in its own goroutine. A panic is reported as HANDLER_ERROR
// for force_update and COMMAND_HANDLER_ERROR otherwise.
func (o *Orchestrator) spawn(action, messageID string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.metrics.Command(action, "panic")
				o.logger.Printf("Command handler for %s panicked: %v", action, r)
				code := CodeCommandHandlerError
				if action == string(ActionForceUpdate) {
					code = CodeHandlerError
				}
				o.publishStatus(StatusEvent{
					Status:    StatusError,
					MessageID: messageID,
					Error:     fmt.Sprint(r),
					ErrorCode: code,
				})
			}
		}()
		fn()
	}()
}

// --- check_update ---

func (o *Orchestrator) checkUpdate(meta Meta) {
	current := o.cfg.CurrentVersion
	o.publishStatus(StatusEvent{
		Status:         StatusChecking,
		MessageID:      meta.MessageID,
		CurrentVersion: current,
		Message:        "Checking for updates...",
	})

	info, err := o.check()
	if err != nil {
		o.logger.Printf("Check update failed: %v", err)
		o.publishStatus(StatusEvent{
			Status:         StatusError,
			MessageID:      meta.MessageID,
			CurrentVersion: current,
			Error:          err.Error(),
			ErrorCode:      CodeCheckFailed,
		})
		return
	}
	if info == nil {
		o.publishStatus(StatusEvent{
			Status:         StatusUpToDate,
			MessageID:      meta.MessageID,
			CurrentVersion: current,
			Message:        "Application is up to date",
		})
		return
	}

	hasUpdate := CompareVersions(info.Version, current) > 0
	status := StatusUpToDate
	if hasUpdate {
		status = StatusUpdateAvailable
	}
	o.logger.Printf("Update check completed: current=%s latest=%s hasUpdate=%v", current, info.Version, hasUpdate)
	o.publishStatus(StatusEvent{
		Status:         status,
		MessageID:      meta.MessageID,
		CurrentVersion: current,
		LatestVersion:  info.Version,
		HasUpdate:      boolPtr(hasUpdate),
		UpdateInfo:     info,
	})
}

func (o *Orchestrator) check() (*UpdateInfo, error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.timings.CheckTimeout)
	defer cancel()
	info, err := o.provider.CheckForUpdates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	return info, nil
}

// --- force_update ---

func (o *Orchestrator) forceUpdate(c ForceUpdate) {
	current := o.cfg.CurrentVersion
	version := c.Version
	if version == "" {
		version = current
	}
	messageID := c.Info.MessageID

	if messageID != "" {
		o.publishAck(messageID)
	}

	cmp := CompareVersions(version, current)
	o.logger.Printf("Force update: current=%s requested=%s upgrade=%v downgrade=%v", current, version, cmp > 0, cmp < 0)
	switch {
	case cmp > 0:
		o.upgrade(version, messageID)
	case cmp < 0:
		o.simulatedInstall(version, messageID, StatusDowngradeRequested,
			fmt.Sprintf("Force downgrade from v%s to v%s", current, version))
	default:
		o.simulatedInstall(version, messageID, StatusNoUpdatesButForceRequested,
			fmt.Sprintf("Force reinstall v%s (same version)", version))
	}
}

// upgrade runs the real updater. When the feed has nothing newer than the
// running version it falls back to the force-reinstall path.
func (o *Orchestrator) upgrade(version, messageID string) {
	current := o.cfg.CurrentVersion
	o.publishStatus(StatusEvent{Status: StatusChecking, MessageID: messageID, Version: version})

	info, err := o.check()
	if err != nil {
		o.logger.Printf("Real update check failed: %v", err)
		o.publishStatus(StatusEvent{
			Status:    StatusError,
			MessageID: messageID,
			Error:     fmt.Sprintf("Update check failed: %v", err),
			ErrorCode: CodeCheckFailed,
		})
		return
	}
	if info == nil || CompareVersions(info.Version, current) <= 0 {
		o.logger.Println("No update available, treating as force reinstall")
		o.simulatedInstall(version, messageID, StatusNoUpdatesButForceRequested,
			fmt.Sprintf("Force reinstall v%s (same version)", version))
		return
	}

	o.logger.Printf("Real update available: %s", info.Version)
	o.publishStatus(StatusEvent{
		Status:    StatusDownloading,
		MessageID: messageID,
		Version:   info.Version,
		Message:   "Downloading update...",
	})

	downloaded, err := o.provider.DownloadUpdate(o.ctx, func(p Progress) {
		o.publishStatus(StatusEvent{
			Status:         StatusDownloading,
			MessageID:      messageID,
			Version:        info.Version,
			Percent:        intPtr(int(math.Round(p.Percent))),
			BytesPerSecond: p.BytesPerSecond,
			Transferred:    p.Transferred,
			Total:          p.Total,
		})
	})
	if err != nil {
		o.logger.Printf("Download failed: %v", err)
		o.publishStatus(StatusEvent{
			Status:    StatusError,
			MessageID: messageID,
			Version:   info.Version,
			Error:     err.Error(),
			ErrorCode: CodeDownloadFailed,
		})
		return
	}
	if downloaded == nil {
		downloaded = info
	}

	o.publishStatus(StatusEvent{
		Status:    StatusDownloadComplete,
		MessageID: messageID,
		Version:   downloaded.Version,
		Message:   fmt.Sprintf("Update v%s downloaded successfully", downloaded.Version),
	})
	if !o.sleep(o.timings.InstallGrace) {
		return
	}
	o.publishStatus(StatusEvent{
		Status:    StatusInstalling,
		MessageID: messageID,
		Version:   downloaded.Version,
		Message:   "Installing update and restarting...",
	})
	o.logger.Println("Triggering install and restart...")
	if err := o.provider.QuitAndInstall(); err != nil {
		o.logger.Printf("Quit and install failed: %v", err)
		o.publishStatus(StatusEvent{
			Status:    StatusError,
			MessageID: messageID,
			Version:   downloaded.Version,
			Error:     err.Error(),
			ErrorCode: CodeInstallFailed,
		})
	}
}

// simulatedInstall reports 0/25/50/75/100 percent without touching the
// network and finishes with final. The release lookup runs alongside the
// progress steps; releaseExists is only set when it finished in time.
func (o *Orchestrator) simulatedInstall(version, messageID string, final Status, message string) {
	lookup := o.lookupRelease(version)

	for p := 0; p <= 100; p += 25 {
		o.publishStatus(StatusEvent{
			Status:    StatusDownloading,
			MessageID: messageID,
			Version:   version,
			Percent:   intPtr(p),
			Message:   fmt.Sprintf("Downloading... %d%%", p),
		})
		if !o.sleep(o.timings.ProgressStep) {
			return
		}
	}

	event := StatusEvent{
		Status:           final,
		MessageID:        messageID,
		CurrentVersion:   o.cfg.CurrentVersion,
		RequestedVersion: version,
		Message:          message,
	}
	select {
	case exists := <-lookup:
		event.ReleaseExists = exists
	default:
		o.logger.Printf("Release lookup for v%s still pending, reporting without it", version)
	}
	o.publishStatus(event)
}

// lookupRelease asks the provider in the background whether the requested
// release is published. The channel yields nil when the provider cannot tell.
func (o *Orchestrator) lookupRelease(version string) <-chan *bool {
	out := make(chan *bool, 1)
	lookup, ok := o.provider.(ReleaseLookup)
	if !ok {
		out <- nil
		return out
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.timings.CheckTimeout)
		defer cancel()
		rel, err := lookup.LookupRelease(ctx, version)
		if err != nil {
			o.logger.Printf("Release lookup for v%s failed, continuing: %v", version, err)
			out <- boolPtr(false)
			return
		}
		out <- boolPtr(rel.Exists)
	}()
	return out
}

// --- reset_app ---

func (o *Orchestrator) reset(c ResetApp) {
	reason := c.Reason
	if reason == "" {
		reason = "Manual reset"
	}
	o.publishReset(ResetStatus{Status: StatusResetStarted, Reason: reason})
	o.sleep(o.timings.ResetGrace)

	o.logger.Println("Performing app reset...")
	if o.resetter != nil {
		o.resetter.Disconnect()
	}
	o.publishReset(ResetStatus{Status: StatusRestarting})
	o.sleep(o.timings.RestartDelay)

	o.logger.Println("Restarting application...")
	if err := o.restarter.Relaunch(); err != nil {
		o.logger.Printf("Relaunch failed: %v", err)
	}
	o.restarter.Exit(0)
}

// --- publishing ---

func (o *Orchestrator) publishStatus(ev StatusEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = o.now().UnixMilli()
	}
	o.mu.Lock()
	o.lastStatus = ev.Status
	if ev.Percent != nil {
		o.percent = *ev.Percent
	}
	o.mu.Unlock()
	o.publishJSON(o.cfg.Topics.UpdateStatus, ev)
}

func (o *Orchestrator) publishAck(messageID string) {
	o.publishJSON(o.cfg.Topics.UpdateAck, Ack{
		Type:          "ota_ack",
		DeviceID:      o.cfg.DeviceID,
		DeviceVersion: o.cfg.CurrentVersion,
		MessageID:     messageID,
		Status:        "acknowledged",
		Timestamp:     o.now().UnixMilli(),
		Message:       "Update command received and processing",
	})
}

func (o *Orchestrator) publishReset(rs ResetStatus) {
	if rs.Timestamp == 0 {
		rs.Timestamp = o.now().UnixMilli()
	}
	o.publishJSON(o.cfg.Topics.ResetStatus, rs)
}

// publishJSON is best effort: failures are logged and never interrupt the command.
func (o *Orchestrator) publishJSON(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		o.logger.Printf("Error marshalling message for %s: %v", topic, err)
		return
	}
	if err := o.publisher.Publish(topic, payload); err != nil {
		o.logger.Printf("Status for %s not delivered: %v", topic, err)
	}
}

// sleep waits d unless the orchestrator context ends first.
func (o *Orchestrator) sleep(d time.Duration) bool {
	if d <= 0 {
		return o.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-o.ctx.Done():
		return false
	}
}
