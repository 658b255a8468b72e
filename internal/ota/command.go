// Package ota drives remote update, reinstall and reset commands sent by the
// admin panel and reports every step back over MQTT.
package ota

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrBusy          = errors.New("ota: another update command is in progress")
	ErrCheckFailed   = errors.New("ota: update check failed")
	ErrUnknownAction = errors.New("ota: unknown command action")
	ErrMalformed     = errors.New("ota: malformed command")
)

// Action is the discriminator of an inbound command.
type Action string

const (
	ActionCheckUpdate Action = "check_update"
	ActionForceUpdate Action = "force_update"
	ActionResetApp    Action = "reset_app"
)

// envelope is the wire format published by the admin panel.
type envelope struct {
	Action        string `json:"action"`
	Version       string `json:"version,omitempty"`
	TargetVersion string `json:"targetVersion,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	Source        string `json:"source,omitempty"`
	DeviceTarget  string `json:"deviceTarget,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Meta is carried by every command.
type Meta struct {
	MessageID    string
	Timestamp    int64
	Source       string
	DeviceTarget string
}

// Command is one of CheckUpdate, ForceUpdate or ResetApp.
type Command interface {
	Action() Action
	Meta() Meta
	isCommand()
}

type CheckUpdate struct {
	Info Meta
}

// ForceUpdate asks for a specific version. Version is empty when the command
// named none; the orchestrator then uses the running version.
type ForceUpdate struct {
	Info    Meta
	Version string
}

type ResetApp struct {
	Info   Meta
	Reason string
}

func (CheckUpdate) Action() Action { return ActionCheckUpdate }
func (ForceUpdate) Action() Action { return ActionForceUpdate }
func (ResetApp) Action() Action    { return ActionResetApp }

func (c CheckUpdate) Meta() Meta { return c.Info }
func (c ForceUpdate) Meta() Meta { return c.Info }
func (c ResetApp) Meta() Meta    { return c.Info }

func (CheckUpdate) isCommand() {}
func (ForceUpdate) isCommand() {}
func (ResetApp) isCommand()    {}

// DecodeCommand parses a commands-topic payload. Unknown actions return
// ErrUnknownAction together with the decoded Meta so the caller can still
// answer with the sender's messageId.
func DecodeCommand(payload []byte) (Command, Meta, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, Meta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	meta := Meta{
		MessageID:    env.MessageID,
		Timestamp:    env.Timestamp,
		Source:       env.Source,
		DeviceTarget: env.DeviceTarget,
	}

	switch Action(env.Action) {
	case ActionCheckUpdate:
		return CheckUpdate{Info: meta}, meta, nil
	case ActionForceUpdate:
		version := env.Version
		if version == "" {
			version = env.TargetVersion
		}
		return ForceUpdate{Info: meta, Version: version}, meta, nil
	case ActionResetApp:
		return ResetApp{Info: meta, Reason: env.Reason}, meta, nil
	default:
		return nil, meta, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
}
