package sensor

import (
	"sync"
	"time"
)

// Store owns the process-wide reading set. It is created with every slot empty
// and status offline; slots are only ever overwritten.
type Store struct {
	mu          sync.Mutex
	values      [4]*float64
	lastUpdated *time.Time
	status      Status
	errMsg      string

	nextID     int
	dataSubs   map[int]func(Reading)
	statusSubs map[int]func(StatusUpdate)

	now func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		status:     StatusOffline,
		dataSubs:   make(map[int]func(Reading)),
		statusSubs: make(map[int]func(StatusUpdate)),
		now:        time.Now,
	}
}

// Subscription is the handle returned by the Subscribe methods.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Snapshot returns a copy of the current reading set.
func (s *Store) Snapshot() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Reading {
	r := Reading{Status: s.status, ErrorMessage: s.errMsg}
	slots := []**float64{&r.Temperature, &r.Humidity, &r.PM25, &r.PM10}
	for i, v := range s.values {
		if v != nil {
			val := *v
			*slots[i] = &val
		}
	}
	if s.lastUpdated != nil {
		t := *s.lastUpdated
		r.LastUpdated = &t
	}
	return r
}

// Set writes value into ch, recomputes the status from the number of populated
// channels and notifies data subscribers. It returns the new status.
func (s *Store) Set(ch Channel, value float64) Status {
	idx := ch.index()
	if idx < 0 {
		return s.Snapshot().Status
	}
	s.mu.Lock()
	v := value
	s.values[idx] = &v
	now := s.now()
	s.lastUpdated = &now

	n := 0
	for _, slot := range s.values {
		if slot != nil {
			n++
		}
	}
	s.status = StatusForCount(n)
	if s.status != StatusError {
		s.errMsg = ""
	}
	snap := s.snapshotLocked()
	subs := s.dataCallbacksLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap.Status
}

// SetStatus records a connection status transition and notifies status subscribers.
// An empty message keeps the previous error message.
func (s *Store) SetStatus(status Status, message string) {
	s.mu.Lock()
	s.status = status
	if message != "" {
		s.errMsg = message
	}
	update := StatusUpdate{Status: status, Message: message}
	if s.lastUpdated != nil {
		t := *s.lastUpdated
		update.LastUpdated = &t
	}
	subs := make([]func(StatusUpdate), 0, len(s.statusSubs))
	for _, fn := range s.statusSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}

// Broadcast re-delivers the current snapshot to data subscribers without changing it.
func (s *Store) Broadcast() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	subs := s.dataCallbacksLocked()
	s.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) dataCallbacksLocked() []func(Reading) {
	subs := make([]func(Reading), 0, len(s.dataSubs))
	for _, fn := range s.dataSubs {
		subs = append(subs, fn)
	}
	return subs
}

// SubscribeData registers fn for reading updates. fn is invoked immediately
// with the current snapshot before SubscribeData returns.
func (s *Store) SubscribeData(fn func(Reading)) *Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.dataSubs[id] = fn
	snap := s.snapshotLocked()
	s.mu.Unlock()

	fn(snap)
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.dataSubs, id)
		s.mu.Unlock()
	}}
}

// SubscribeStatus registers fn for status transitions. fn is invoked immediately
// with the current status before SubscribeStatus returns.
func (s *Store) SubscribeStatus(fn func(StatusUpdate)) *Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.statusSubs[id] = fn
	current := StatusUpdate{Status: s.status, Message: s.errMsg}
	if s.lastUpdated != nil {
		t := *s.lastUpdated
		current.LastUpdated = &t
	}
	s.mu.Unlock()

	fn(current)
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.statusSubs, id)
		s.mu.Unlock()
	}}
}
