package ota

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type published struct {
	topic   string
	payload []byte
	at      time.Time
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	log  *eventLog
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, published{topic: topic, payload: append([]byte(nil), payload...), at: time.Now()})
	p.mu.Unlock()
	if p.log != nil {
		p.log.add("publish " + topic)
	}
	return nil
}

func (p *recordingPublisher) on(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *recordingPublisher) statuses(t *testing.T) []StatusEvent {
	t.Helper()
	var out []StatusEvent
	for _, m := range p.on(testTopics.UpdateStatus) {
		var ev StatusEvent
		if err := json.Unmarshal(m.payload, &ev); err != nil {
			t.Fatalf("status payload is not JSON: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeRestarter struct {
	log        *eventLog
	exitCode   int
	exited     bool
	relaunched time.Time
}

func (r *fakeRestarter) Relaunch() error {
	r.log.add("relaunch")
	r.relaunched = time.Now()
	return nil
}

func (r *fakeRestarter) Exit(code int) {
	r.log.add("exit")
	r.exitCode = code
	r.exited = true
}

type fakeResetter struct{ log *eventLog }

func (r fakeResetter) Disconnect() { r.log.add("disconnect") }

// lookupProvider adds release lookups to the simulated provider.
type lookupProvider struct {
	*SimulatedProvider
	exists bool
	err    error
}

func (l lookupProvider) LookupRelease(_ context.Context, version string) (Release, error) {
	return Release{Tag: "v" + version, Exists: l.exists}, l.err
}

// slowLookupProvider answers release lookups only once release is closed.
type slowLookupProvider struct {
	*SimulatedProvider
	started chan struct{}
	release chan struct{}
	log     *eventLog
}

func (s slowLookupProvider) LookupRelease(ctx context.Context, version string) (Release, error) {
	close(s.started)
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	s.log.add("lookup returned")
	return Release{Tag: "v" + version, Exists: true}, nil
}

type blockingProvider struct {
	SimulatedProvider
	release chan struct{}
}

func (b *blockingProvider) CheckForUpdates(ctx context.Context) (*UpdateInfo, error) {
	<-b.release
	return b.SimulatedProvider.CheckForUpdates(ctx)
}

type panickingProvider struct{ SimulatedProvider }

func (*panickingProvider) CheckForUpdates(context.Context) (*UpdateInfo, error) {
	panic("updater exploded")
}

var testTopics = Topics{
	UpdateStatus: "its/billboard/update/status",
	UpdateAck:    "its/billboard/update/ack",
	ResetStatus:  "its/billboard/reset/status",
}

func fastTimings() Timings {
	return Timings{
		ProgressStep: time.Millisecond,
		InstallGrace: time.Millisecond,
		ResetGrace:   time.Millisecond,
		RestartDelay: time.Millisecond,
		CheckTimeout: time.Second,
	}
}

// lookupTimings leaves the progress loop long enough for an instant lookup
// to finish before the final event is built.
func lookupTimings() Timings {
	t := fastTimings()
	t.ProgressStep = 20 * time.Millisecond
	return t
}

func newTestOrchestrator(current string, provider UpdateProvider, opts ...Option) (*Orchestrator, *recordingPublisher) {
	pub := &recordingPublisher{}
	opts = append([]Option{
		WithTimings(fastTimings()),
		WithLogger(log.New(io.Discard, "", 0)),
		withClock(func() time.Time { return time.UnixMilli(1700000000123) }),
	}, opts...)
	o := New(Config{DeviceID: "its-billboard", CurrentVersion: current, Topics: testTopics}, provider, pub, opts...)
	return o, pub
}

func statusNames(evs []StatusEvent) []Status {
	out := make([]Status, len(evs))
	for i, ev := range evs {
		out[i] = ev.Status
	}
	return out
}

func TestForceUpdateSameVersion(t *testing.T) {
	prov := &SimulatedProvider{Latest: "1.0.3"}
	o, pub := newTestOrchestrator("1.0.3", prov)

	o.HandleCommand([]byte(`{"action":"force_update","version":"1.0.3","messageId":"m1","timestamp":1700000000000,"source":"admin_web"}`))
	o.Wait()

	acks := pub.on(testTopics.UpdateAck)
	if len(acks) != 1 {
		t.Fatalf("expected one ack, got %d", len(acks))
	}
	if pub.msgs[0].topic != testTopics.UpdateAck {
		t.Fatalf("ack must be published first, got %s", pub.msgs[0].topic)
	}
	var ack Ack
	if err := json.Unmarshal(acks[0].payload, &ack); err != nil {
		t.Fatalf("ack is not JSON: %v", err)
	}
	if ack.Type != "ota_ack" || ack.MessageID != "m1" || ack.DeviceVersion != "1.0.3" || ack.Status != "acknowledged" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	evs := pub.statuses(t)
	if len(evs) != 6 {
		t.Fatalf("expected 5 progress events and a final one, got %v", statusNames(evs))
	}
	for i, want := range []int{0, 25, 50, 75, 100} {
		if evs[i].Status != StatusDownloading || evs[i].Percent == nil || *evs[i].Percent != want {
			t.Fatalf("event %d = %+v, want downloading %d%%", i, evs[i], want)
		}
	}
	final := evs[5]
	if final.Status != StatusNoUpdatesButForceRequested || final.RequestedVersion != "1.0.3" || final.CurrentVersion != "1.0.3" {
		t.Fatalf("unexpected final event %+v", final)
	}
	if final.MessageID != "m1" {
		t.Fatalf("final event must echo the messageId")
	}
	if checks, downloads, _ := prov.Counts(); checks != 0 || downloads != 0 {
		t.Fatalf("same-version reinstall must not touch the updater (checks=%d downloads=%d)", checks, downloads)
	}
}

func TestForceUpdateDowngradeReportsReleaseLookup(t *testing.T) {
	prov := lookupProvider{SimulatedProvider: &SimulatedProvider{Latest: "1.0.3"}, exists: true}
	o, pub := newTestOrchestrator("1.0.3", prov, WithTimings(lookupTimings()))

	o.HandleCommand([]byte(`{"action":"force_update","targetVersion":"1.0.1","messageId":"m2"}`))
	o.Wait()

	evs := pub.statuses(t)
	final := evs[len(evs)-1]
	if final.Status != StatusDowngradeRequested || final.RequestedVersion != "1.0.1" {
		t.Fatalf("unexpected final event %+v", final)
	}
	if final.ReleaseExists == nil || !*final.ReleaseExists {
		t.Fatalf("expected releaseExists=true, got %v", final.ReleaseExists)
	}
}

func TestForceUpdateProgressDoesNotWaitForLookup(t *testing.T) {
	events := &eventLog{}
	prov := slowLookupProvider{
		SimulatedProvider: &SimulatedProvider{Latest: "1.0.3"},
		started:           make(chan struct{}),
		release:           make(chan struct{}),
		log:               events,
	}
	pub := &recordingPublisher{log: events}
	o := New(Config{DeviceID: "its-billboard", CurrentVersion: "1.0.3", Topics: testTopics}, prov, pub,
		WithTimings(fastTimings()),
		WithLogger(log.New(io.Discard, "", 0)),
	)

	o.HandleCommand([]byte(`{"action":"force_update","targetVersion":"1.0.1","messageId":"m5"}`))
	o.Wait()

	select {
	case <-prov.started:
	case <-time.After(time.Second):
		t.Fatalf("release lookup was never started")
	}
	evs := pub.statuses(t)
	if len(evs) != 6 {
		t.Fatalf("expected 5 progress events and a final one, got %v", statusNames(evs))
	}
	if evs[0].Status != StatusDownloading || evs[0].Percent == nil || *evs[0].Percent != 0 {
		t.Fatalf("first event must be downloading 0%%, got %+v", evs[0])
	}
	final := evs[5]
	if final.Status != StatusDowngradeRequested {
		t.Fatalf("unexpected final event %+v", final)
	}
	if final.ReleaseExists != nil {
		t.Fatalf("an unfinished lookup must leave releaseExists unset, got %v", *final.ReleaseExists)
	}
	for _, e := range events.all() {
		if e == "lookup returned" {
			t.Fatalf("lookup returned before the command finished: %v", events.all())
		}
	}
	close(prov.release)
}

func TestForceUpdateLookupFailureDegrades(t *testing.T) {
	prov := lookupProvider{SimulatedProvider: &SimulatedProvider{}, err: errors.New("GitHub API returned 502")}
	o, pub := newTestOrchestrator("1.0.3", prov, WithTimings(lookupTimings()))

	o.HandleCommand([]byte(`{"action":"force_update","version":"1.0.3"}`))
	o.Wait()

	evs := pub.statuses(t)
	final := evs[len(evs)-1]
	if final.Status != StatusNoUpdatesButForceRequested {
		t.Fatalf("lookup failures must not block the reinstall, got %s", final.Status)
	}
	if final.ReleaseExists == nil || *final.ReleaseExists {
		t.Fatalf("expected releaseExists=false")
	}
	if len(pub.on(testTopics.UpdateAck)) != 0 {
		t.Fatalf("no ack without a messageId")
	}
}

func TestForceUpdateUpgradeInstalls(t *testing.T) {
	events := &eventLog{}
	restarter := &fakeRestarter{log: events}
	prov := &SimulatedProvider{Latest: "1.0.4", Restarter: restarter}
	o, pub := newTestOrchestrator("1.0.3", prov)

	o.HandleCommand([]byte(`{"action":"force_update","version":"1.0.4","messageId":"m3"}`))
	o.Wait()

	names := statusNames(pub.statuses(t))
	if names[0] != StatusChecking || names[1] != StatusDownloading {
		t.Fatalf("expected checking then downloading, got %v", names)
	}
	if names[len(names)-2] != StatusDownloadComplete || names[len(names)-1] != StatusInstalling {
		t.Fatalf("expected download_complete then installing, got %v", names)
	}
	_, downloads, installs := prov.Counts()
	if downloads != 1 || installs != 1 {
		t.Fatalf("expected one download and one install, got %d/%d", downloads, installs)
	}
	if !restarter.exited || restarter.exitCode != 0 {
		t.Fatalf("quit-and-install must exit the process")
	}
}

func TestForceUpdateUpgradeWaitsInstallGrace(t *testing.T) {
	const grace = 50 * time.Millisecond
	restarter := &fakeRestarter{log: &eventLog{}}
	prov := &SimulatedProvider{Latest: "1.0.4", Restarter: restarter}
	timings := fastTimings()
	timings.InstallGrace = grace
	o, pub := newTestOrchestrator("1.0.3", prov, WithTimings(timings))

	o.HandleCommand([]byte(`{"action":"force_update","version":"1.0.4","messageId":"m6"}`))
	o.Wait()

	var completed time.Time
	for _, m := range pub.on(testTopics.UpdateStatus) {
		var ev StatusEvent
		_ = json.Unmarshal(m.payload, &ev)
		if ev.Status == StatusDownloadComplete {
			completed = m.at
		}
	}
	if completed.IsZero() || restarter.relaunched.IsZero() {
		t.Fatalf("expected download_complete and an install (completed=%v relaunched=%v)", completed, restarter.relaunched)
	}
	if gap := restarter.relaunched.Sub(completed); gap < grace {
		t.Fatalf("install ran %v after download_complete, want at least %v", gap, grace)
	}
}

func TestDefaultTimings(t *testing.T) {
	want := Timings{
		ProgressStep: 300 * time.Millisecond,
		InstallGrace: 2 * time.Second,
		ResetGrace:   500 * time.Millisecond,
		RestartDelay: time.Second,
		CheckTimeout: 15 * time.Second,
	}
	if got := DefaultTimings(); got != want {
		t.Fatalf("DefaultTimings() = %+v, want %+v", got, want)
	}
}

func TestForceUpdateUpgradeWithoutNewerRelease(t *testing.T) {
	prov := &SimulatedProvider{Latest: "1.0.3"}
	o, pub := newTestOrchestrator("1.0.3", prov)

	o.HandleCommand([]byte(`{"action":"force_update","version":"1.0.4","messageId":"m4"}`))
	o.Wait()

	evs := pub.statuses(t)
	if evs[0].Status != StatusChecking {
		t.Fatalf("upgrade must start with a real check")
	}
	final := evs[len(evs)-1]
	if final.Status != StatusNoUpdatesButForceRequested || final.RequestedVersion != "1.0.4" {
		t.Fatalf("unexpected final event %+v", final)
	}
	if _, downloads, _ := prov.Counts(); downloads != 0 {
		t.Fatalf("nothing newer, nothing to download")
	}
}

func TestCheckUpdate(t *testing.T) {
	cases := []struct {
		name   string
		prov   *SimulatedProvider
		final  Status
		code   string
		hasUpd bool
	}{
		{"update available", &SimulatedProvider{Latest: "1.1.0"}, StatusUpdateAvailable, "", true},
		{"same version", &SimulatedProvider{Latest: "1.0.3"}, StatusUpToDate, "", false},
		{"no release info", &SimulatedProvider{}, StatusUpToDate, "", false},
		{"check failure", &SimulatedProvider{CheckErr: errors.New("offline")}, StatusError, CodeCheckFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, pub := newTestOrchestrator("1.0.3", tc.prov)
			o.HandleCommand([]byte(`{"action":"check_update","messageId":"c1","source":"admin_web"}`))
			o.Wait()

			evs := pub.statuses(t)
			if len(evs) != 2 || evs[0].Status != StatusChecking {
				t.Fatalf("expected checking + result, got %v", statusNames(evs))
			}
			final := evs[1]
			if final.Status != tc.final || final.ErrorCode != tc.code {
				t.Fatalf("final = %s/%s, want %s/%s", final.Status, final.ErrorCode, tc.final, tc.code)
			}
			if tc.final == StatusUpdateAvailable && (final.HasUpdate == nil || !*final.HasUpdate || final.LatestVersion != "1.1.0") {
				t.Fatalf("update_available must carry hasUpdate and latestVersion: %+v", final)
			}
		})
	}
}

func TestOverlappingCommandsAreRejected(t *testing.T) {
	prov := &blockingProvider{SimulatedProvider: SimulatedProvider{Latest: "1.0.3"}, release: make(chan struct{})}
	o, pub := newTestOrchestrator("1.0.3", prov)

	o.HandleCommand([]byte(`{"action":"check_update","messageId":"first"}`))
	if !o.State().Busy {
		t.Fatalf("orchestrator must be busy while a check runs")
	}
	if err := o.Submit(ForceUpdate{Info: Meta{MessageID: "second"}, Version: "1.0.3"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(prov.release)
	o.Wait()

	var busy *StatusEvent
	for _, ev := range pub.statuses(t) {
		if ev.ErrorCode == CodeBusy {
			ev := ev
			busy = &ev
		}
	}
	if busy == nil || busy.MessageID != "second" || busy.Status != StatusError {
		t.Fatalf("expected a BUSY error for the second command, got %+v", busy)
	}
	if o.State().Busy {
		t.Fatalf("orchestrator must be idle after the command finished")
	}

	if err := o.Submit(CheckUpdate{Info: Meta{MessageID: "third"}}); err != nil {
		t.Fatalf("commands must be accepted again once idle: %v", err)
	}
	o.Wait()
}

func TestResetApp(t *testing.T) {
	events := &eventLog{}
	restarter := &fakeRestarter{log: events}
	pub := &recordingPublisher{log: events}
	o := New(Config{DeviceID: "its-billboard", CurrentVersion: "1.0.3", Topics: testTopics},
		&SimulatedProvider{}, pub,
		WithTimings(fastTimings()),
		WithLogger(log.New(io.Discard, "", 0)),
		WithRestarter(restarter),
		WithBrokerResetter(fakeResetter{log: events}),
	)

	o.HandleCommand([]byte(`{"action":"reset_app","reason":"admin request","messageId":"r1"}`))
	o.Wait()

	want := []string{
		"publish " + testTopics.ResetStatus,
		"disconnect",
		"publish " + testTopics.ResetStatus,
		"relaunch",
		"exit",
	}
	got := events.all()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	resets := pub.on(testTopics.ResetStatus)
	var started, restarting ResetStatus
	_ = json.Unmarshal(resets[0].payload, &started)
	_ = json.Unmarshal(resets[1].payload, &restarting)
	if started.Status != StatusResetStarted || started.Reason != "admin request" {
		t.Fatalf("unexpected reset_started %+v", started)
	}
	if restarting.Status != StatusRestarting || restarting.Reason != "" {
		t.Fatalf("unexpected restarting %+v", restarting)
	}
}

func TestTriggerResetUsesDefaultReason(t *testing.T) {
	events := &eventLog{}
	o, pub := newTestOrchestrator("1.0.3", &SimulatedProvider{}, WithRestarter(&fakeRestarter{log: events}))
	if err := o.TriggerReset(""); err != nil {
		t.Fatalf("trigger reset: %v", err)
	}
	o.Wait()
	var rs ResetStatus
	_ = json.Unmarshal(pub.on(testTopics.ResetStatus)[0].payload, &rs)
	if rs.Reason != "manual" {
		t.Fatalf("expected reason manual, got %q", rs.Reason)
	}
}

func TestInvalidAndMalformedCommands(t *testing.T) {
	o, pub := newTestOrchestrator("1.0.3", &SimulatedProvider{})

	o.HandleCommand([]byte(`not json`))
	o.HandleCommand([]byte(`{"action":"format_disk","messageId":"x1"}`))
	o.Wait()

	evs := pub.statuses(t)
	if len(evs) != 1 {
		t.Fatalf("malformed JSON must be dropped silently, got %v", statusNames(evs))
	}
	if evs[0].ErrorCode != CodeInvalidCommand || evs[0].MessageID != "x1" {
		t.Fatalf("unexpected event for unknown action %+v", evs[0])
	}
}

func TestHandlerPanicIsReported(t *testing.T) {
	o, pub := newTestOrchestrator("1.0.3", &panickingProvider{})
	o.HandleCommand([]byte(`{"action":"check_update","messageId":"p1"}`))
	o.Wait()

	evs := pub.statuses(t)
	last := evs[len(evs)-1]
	if last.Status != StatusError || last.ErrorCode != CodeCommandHandlerError || last.MessageID != "p1" {
		t.Fatalf("unexpected event %+v", last)
	}
	if o.State().Busy {
		t.Fatalf("a panicking command must release the orchestrator")
	}
}

func TestForceUpdatePanicIsReported(t *testing.T) {
	o, pub := newTestOrchestrator("1.0.3", &panickingProvider{})
	o.HandleCommand([]byte(`{"action":"force_update","version":"2.0.0","messageId":"p2"}`))
	o.Wait()

	evs := pub.statuses(t)
	last := evs[len(evs)-1]
	if last.ErrorCode != CodeHandlerError || last.MessageID != "p2" {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestStatusEventRoundTrip(t *testing.T) {
	ev := StatusEvent{Status: StatusDownloading, Timestamp: 1700000000000, MessageID: "m1", Percent: intPtr(0)}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]interface{}
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["status"] != "downloading" || back["messageId"] != "m1" || back["timestamp"] != float64(1700000000000) {
		t.Fatalf("round trip lost fields: %v", back)
	}
	if back["percent"] != float64(0) {
		t.Fatalf("zero percent must be serialized, got %v", back["percent"])
	}
}
