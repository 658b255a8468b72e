package ota

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// ProcessRestarter relaunches the current executable with the same arguments.
type ProcessRestarter struct{}

func (ProcessRestarter) Relaunch() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to relaunch %s: %w", exe, err)
	}
	return cmd.Process.Release()
}

func (ProcessRestarter) Exit(code int) {
	os.Exit(code)
}

// TeardownRestarter disconnects the brokers once before handing the process
// over to Next, so an installer-driven exit leaves no MQTT session behind.
type TeardownRestarter struct {
	Next    Restarter
	Brokers BrokerResetter

	once sync.Once
}

// NewTeardownRestarter wraps next; a nil next means ProcessRestarter.
func NewTeardownRestarter(next Restarter, brokers BrokerResetter) *TeardownRestarter {
	if next == nil {
		next = ProcessRestarter{}
	}
	return &TeardownRestarter{Next: next, Brokers: brokers}
}

func (t *TeardownRestarter) teardown() {
	t.once.Do(func() {
		if t.Brokers != nil {
			t.Brokers.Disconnect()
		}
	})
}

func (t *TeardownRestarter) Relaunch() error {
	t.teardown()
	return t.Next.Relaunch()
}

func (t *TeardownRestarter) Exit(code int) {
	t.teardown()
	t.Next.Exit(code)
}
