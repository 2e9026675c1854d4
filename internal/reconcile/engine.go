// Package reconcile implements the profile reconciliation engine: the
// periodic control loop, the per-record state machine, the conflict
// detector, the push pipeline, and the preference synchronizer.
//
// The engine holds no durable state. Convergence is recomputed from the
// device and the workspace on every cycle, so a crash mid-cycle loses
// nothing beyond the current tick.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/decent-sync/internal/device"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
)

// DeviceClient is the slice of the machine controller the engine
// consumes. *device.Client satisfies it.
type DeviceClient interface {
	FetchProfiles(ctx context.Context) ([]device.Profile, error)
	SaveProfile(ctx context.Context, doc map[string]any) (string, error)
	DeleteProfile(ctx context.Context, id string) error
	FavoriteProfile(ctx context.Context, id string, favorite bool) error
	SelectProfile(ctx context.Context, id string) error
}

// WorkspaceClient is the slice of the record store the engine
// consumes. *workspace.Client satisfies it.
type WorkspaceClient interface {
	ListExistingProfiles(ctx context.Context) (*workspace.Index, error)
	UpdatePushStatus(ctx context.Context, pageID string, status workspace.Status, pushedAt *time.Time, active *bool) error
	UpdateProfileJson(ctx context.Context, pageID, profileJSON string) error
	CreateDraftProfile(ctx context.Context, name string, doc map[string]any) (string, error)
	UploadProfileImage(ctx context.Context, pageID, name string, svg []byte) error
}

// builtinUtilityNames are device built-ins that must never be deleted
// by reconciliation, matched by normalized label. The device's own
// utility flag is honored independently of this list.
var builtinUtilityNames = []string{"flush", "descale"}

// CycleStats summarizes one reconciliation cycle for the health
// endpoint and logs.
type CycleStats struct {
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"durationNs"`
	Outcome   string        `json:"outcome"` // "ok", "aborted"
	Pushed    int           `json:"pushed"`
	Repushed  int           `json:"repushed"`
	Deleted   int           `json:"deleted"`
	Imported  int           `json:"imported"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
}

// Engine reconciles workspace records against device profiles.
type Engine struct {
	device DeviceClient
	ws     WorkspaceClient
	logger *slog.Logger

	// now is injected for tests.
	now func() time.Time

	// utilityNames holds normalized labels exempt from deletion:
	// the builtins plus any configured extras.
	utilityNames map[string]struct{}

	// deviceDown tracks the connectivity state across cycles so loss
	// and recovery are each logged once per transition, not per tick.
	deviceDown bool

	statsMu sync.Mutex
	last    *CycleStats
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithUtilityNames adds configured utility profile labels to the
// built-in never-delete set.
func WithUtilityNames(names []string) EngineOption {
	return func(e *Engine) {
		for _, n := range names {
			e.utilityNames[normalizeUtilityName(n)] = struct{}{}
		}
	}
}

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a reconciliation engine with the given clients.
func NewEngine(dev DeviceClient, ws WorkspaceClient, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		device:       dev,
		ws:           ws,
		logger:       logger,
		now:          time.Now,
		utilityNames: make(map[string]struct{}),
	}

	for _, n := range builtinUtilityNames {
		e.utilityNames[n] = struct{}{}
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// LastStats returns the most recent cycle summary, or nil if no cycle
// has completed yet.
func (e *Engine) LastStats() *CycleStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	if e.last == nil {
		return nil
	}

	copied := *e.last

	return &copied
}

func (e *Engine) recordStats(s *CycleStats) {
	e.statsMu.Lock()
	e.last = s
	e.statsMu.Unlock()
}
