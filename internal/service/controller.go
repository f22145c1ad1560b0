// Package service drives a world's supervised server process: start, stop,
// status and readiness detection. State transitions happen inside systemd,
// so every operation here issues a verb and then polls for the result with
// bounded retries.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/poll"
	"github.com/haldis/valheimctl/internal/provision"
	"github.com/haldis/valheimctl/internal/systemd"
	"github.com/haldis/valheimctl/internal/unitfile"
)

// ErrNoBinding is returned when a world has no service binding to operate on.
var ErrNoBinding = errors.New("no service binding for world")

// State is a binding's activation state as seen through systemd.
type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateFailed   State = "failed"
	StateNotFound State = "not-found"
	// StateUnknown means polling ran out before the supervisor confirmed the
	// transition. Not an error; the process may just be slow.
	StateUnknown State = "unknown"
)

// Status describes a binding's current state and transition timestamps.
type Status struct {
	State         State
	ActiveSince   string
	InactiveSince string
}

// ControllerProvider defines the interface for server lifecycle control.
type ControllerProvider interface {
	Start(ctx context.Context, world string) (State, error)
	Stop(ctx context.Context, world string) (State, error)
	Status(ctx context.Context, world string) (Status, error)
	AwaitReady(ctx context.Context, world string, port int) (ReadyResult, error)
	IsRunning(ctx context.Context, world string) bool
}

// Controller starts, stops and inspects world server processes.
type Controller struct {
	cfg    *config.Config
	sysd   *systemd.Client
	prov   *provision.Service
	events events.ServiceProvider
	policy poll.Policy
}

// NewController creates a new Controller.
func NewController(cfg *config.Config, sysd *systemd.Client, prov *provision.Service, ev events.ServiceProvider) *Controller {
	return &Controller{
		cfg:    cfg,
		sysd:   sysd,
		prov:   prov,
		events: ev,
		policy: poll.Policy{Attempts: cfg.PollAttempts, Interval: cfg.PollInterval},
	}
}

// Start brings a world's server up and polls until systemd reports it
// active. Exhausting the poll budget is not a failure: the state comes back
// StateUnknown with a nil error and the operator is expected to check again.
func (c *Controller) Start(ctx context.Context, world string) (State, error) {
	unit := unitfile.ServiceName(world)
	if !c.sysd.HasUnitFile(unit) {
		return StateNotFound, fmt.Errorf("world %q: %w", world, ErrNoBinding)
	}
	if !c.prov.IsInstalled() {
		return StateUnknown, fmt.Errorf("start %q: %w", world, provision.ErrNotInstalled)
	}

	log.Info().Str("world", world).Str("unit", unit).Msg("starting server")
	if err := c.sysd.Start(ctx, unit); err != nil {
		return StateUnknown, err
	}

	err := poll.Until(ctx, c.policy, func() (bool, error) {
		return c.sysd.IsActive(ctx, unit) == "active", nil
	})
	switch {
	case err == nil:
		c.events.Record("server.start", events.LevelInfo, "server started", world)
		return StateActive, nil
	case errors.Is(err, poll.ErrExhausted):
		log.Warn().Str("world", world).Msg("start issued but unit is not active yet, check status manually")
		c.events.Record("server.start", events.LevelWarn, "start issued, activation unconfirmed", world)
		return StateUnknown, nil
	default:
		return StateUnknown, err
	}
}

// Stop shuts a world's server down and polls until systemd reports it no
// longer active. Poll exhaustion is handled the same way as in Start.
func (c *Controller) Stop(ctx context.Context, world string) (State, error) {
	unit := unitfile.ServiceName(world)
	if !c.sysd.HasUnitFile(unit) {
		return StateNotFound, fmt.Errorf("world %q: %w", world, ErrNoBinding)
	}

	log.Info().Str("world", world).Str("unit", unit).Msg("stopping server")
	if err := c.sysd.Stop(ctx, unit); err != nil {
		return StateUnknown, err
	}

	err := poll.Until(ctx, c.policy, func() (bool, error) {
		st := c.sysd.IsActive(ctx, unit)
		return st == "inactive" || st == "failed", nil
	})
	switch {
	case err == nil:
		c.events.Record("server.stop", events.LevelInfo, "server stopped", world)
		return StateInactive, nil
	case errors.Is(err, poll.ErrExhausted):
		log.Warn().Str("world", world).Msg("stop issued but unit is still active, check status manually")
		c.events.Record("server.stop", events.LevelWarn, "stop issued, deactivation unconfirmed", world)
		return StateUnknown, nil
	default:
		return StateUnknown, err
	}
}

// Status reports a binding's state and transition timestamps. A unit file
// that was just written is not visible to systemd until its index catches
// up, so existence is polled rather than checked once.
func (c *Controller) Status(ctx context.Context, world string) (Status, error) {
	unit := unitfile.ServiceName(world)
	if !c.sysd.HasUnitFile(unit) {
		return Status{State: StateNotFound}, nil
	}

	err := poll.Until(ctx, c.policy, func() (bool, error) {
		return c.sysd.Exists(ctx, unit), nil
	})
	if errors.Is(err, poll.ErrExhausted) {
		log.Warn().Str("world", world).Msg("unit file present but supervisor has not indexed it")
		return Status{State: StateUnknown}, nil
	}
	if err != nil {
		return Status{}, err
	}

	st := Status{State: StateInactive}
	switch c.sysd.IsActive(ctx, unit) {
	case "active":
		st.State = StateActive
	case "failed":
		st.State = StateFailed
	}

	// Timestamps are display-only; a failed show is not worth aborting for.
	st.ActiveSince, _ = c.sysd.Show(ctx, unit, "ActiveEnterTimestamp")
	st.InactiveSince, _ = c.sysd.Show(ctx, unit, "InactiveEnterTimestamp")
	return st, nil
}

// IsRunning reports whether a world's server is active right now.
func (c *Controller) IsRunning(ctx context.Context, world string) bool {
	return c.sysd.IsActive(ctx, unitfile.ServiceName(world)) == "active"
}
