// Package service owns the lifecycle of both broker connections: bounded
// initialization retries, the command broker redial loop, refresh and the
// teardown performed before a restart.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/its-billboard/billboard-agent/internal/config"
	"github.com/its-billboard/billboard-agent/internal/mqtt"
)

// ErrNotInitialized is returned by Refresh before a successful Initialize.
var ErrNotInitialized = errors.New("MQTT service not initialized")

// Link is a broker connection the service can dial and tear down.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
}

// ClosingLink reports connection loss so the service can redial.
type ClosingLink interface {
	Link
	OnClosed(fn func(err error))
}

// Status is reported by the HTTP surface.
type Status struct {
	Initialized      bool   `json:"initialized"`
	SensorConnected  bool   `json:"sensorConnected"`
	CommandConnected bool   `json:"commandConnected"`
	LastError        string `json:"lastError,omitempty"`
}

type Service struct {
	cfg    config.EraIotConfig
	era    Link
	cmd    ClosingLink
	logger *log.Logger

	retries        int
	retryDelay     func(attempt int) time.Duration
	reconnectDelay time.Duration
	refreshDelay   time.Duration

	mu          sync.Mutex
	ctx         context.Context
	initialized bool
	lastErr     error
	redial      *time.Timer
	closed      bool
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetryPolicy overrides the initialization retry count and delay schedule.
func WithRetryPolicy(retries int, delay func(attempt int) time.Duration) Option {
	return func(s *Service) {
		s.retries = retries
		s.retryDelay = delay
	}
}

// WithDelays overrides the command broker redial delay and the pause between
// disconnect and reconnect on Refresh.
func WithDelays(reconnect, refresh time.Duration) Option {
	return func(s *Service) {
		s.reconnectDelay = reconnect
		s.refreshDelay = refresh
	}
}

// New wires the service to both broker clients and registers the redial hook.
func New(cfg config.EraIotConfig, era Link, cmd ClosingLink, opts ...Option) *Service {
	s := &Service{
		cfg:            cfg,
		era:            era,
		cmd:            cmd,
		logger:         log.New(os.Stderr, "[Service] ", log.LstdFlags),
		retries:        mqtt.InitRetries,
		retryDelay:     mqtt.InitRetryDelay,
		reconnectDelay: mqtt.ReconnectDelay,
		refreshDelay:   time.Second,
		ctx:            context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cmd.OnClosed(s.commandClosed)
	return s
}

// Initialize connects both brokers. It returns false without error when the
// sensor broker is disabled or has no gateway token. A sensor broker failure
// is retried with the bounded policy; a command broker failure is left to the
// redial loop so the display keeps its data.
func (s *Service) Initialize(ctx context.Context) (bool, error) {
	if !s.cfg.Enabled {
		s.logger.Println("E-Ra IoT not configured or disabled")
		return false, nil
	}
	if s.cfg.GatewayToken == "" {
		s.logger.Println("Gateway token not found in config")
		return false, nil
	}

	s.mu.Lock()
	s.ctx = ctx
	s.closed = false
	s.mu.Unlock()
	s.logger.Printf("Initializing with gateway token: %s...", config.Mask(s.cfg.GatewayToken))

	err := mqtt.Retry(ctx, s.retries, s.retryDelay, func(attempt int) error {
		if attempt > 0 {
			s.logger.Printf("Retrying MQTT initialization (attempt %d)", attempt+1)
		}
		if err := s.era.Connect(ctx); err != nil {
			s.logger.Printf("MQTT initialization attempt %d failed: %v", attempt+1, err)
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Printf("All MQTT initialization attempts failed: %v", err)
		s.Disconnect()
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return false, err
	}

	if err := s.cmd.Connect(ctx); err != nil {
		s.logger.Printf("Command broker unavailable, will retry: %v", err)
		s.scheduleRedial()
	}

	s.mu.Lock()
	s.initialized = true
	s.lastErr = nil
	s.mu.Unlock()
	s.logger.Println("MQTT service initialized successfully")
	return true, nil
}

// commandClosed runs on the paho goroutine that reported the loss.
func (s *Service) commandClosed(err error) {
	s.logger.Printf("Command broker connection closed: %v", err)
	s.scheduleRedial()
}

func (s *Service) scheduleRedial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.redial != nil {
		return
	}
	s.redial = time.AfterFunc(s.reconnectDelay, s.redialCommand)
}

// redialCommand reconnects the command broker with the bounded retry policy.
// When every attempt fails the error is recorded; the next connection loss
// or Refresh starts over.
func (s *Service) redialCommand() {
	s.mu.Lock()
	s.redial = nil
	ctx, closed := s.ctx, s.closed
	s.mu.Unlock()
	if closed || s.cmd.Connected() {
		return
	}

	err := mqtt.Retry(ctx, s.retries, s.retryDelay, func(attempt int) error {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}
		s.logger.Printf("Reconnecting command broker (attempt %d)", attempt+1)
		return s.cmd.Connect(ctx)
	})
	if err != nil {
		s.logger.Printf("Command broker reconnect failed: %v", err)
		s.mu.Lock()
		s.lastErr = fmt.Errorf("command broker: %w", err)
		s.mu.Unlock()
	}
}

// Refresh tears both connections down, waits and initializes again.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}

	s.logger.Println("Refreshing E-Ra IoT MQTT connection...")
	s.Disconnect()
	select {
	case <-time.After(s.refreshDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := s.Initialize(ctx)
	return err
}

// Disconnect stops the redial timer and ends both connections. It
// satisfies the orchestrator's broker resetter.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.closed = true
	if s.redial != nil {
		s.redial.Stop()
		s.redial = nil
	}
	s.mu.Unlock()

	s.cmd.Disconnect()
	s.era.Disconnect()
	s.logger.Println("Disconnected from both brokers")
}

// Status reports the connection state of both brokers.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Initialized: s.initialized}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()
	st.SensorConnected = s.era.Connected()
	st.CommandConnected = s.cmd.Connected()
	return st
}
