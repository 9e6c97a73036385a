package sync

import (
	"context"
	"time"

	"github.com/Valstan/MatricaRMZ-sub000/internal/crypto"
	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	apperrors "github.com/Valstan/MatricaRMZ-sub000/internal/errors"
	"github.com/Valstan/MatricaRMZ-sub000/internal/ledger"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/schema"
	"github.com/Valstan/MatricaRMZ-sub000/internal/session"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

// Config carries the identity and endpoint facts the engine needs; wiring
// of collaborators happens in NewEngine.
type Config struct {
	APIBase  string
	ClientID string
	Ring     *crypto.Keyring // nil disables field encryption
}

// Engine runs the full sync pipeline: schema reconciliation, push with
// error recovery, pull with identifier remapping, ledger replication and
// a rate-limited consistency report.
type Engine struct {
	database   *db.DB
	store      *db.Store
	settings   *settings.Store
	reconciler *schema.Reconciler
	collector  *Collector
	push       *Transmitter
	pull       *Applier
	replicator *ledger.Replicator
	reporter   *Reporter
	events     chan Event
}

// NewEngine wires all sync collaborators around one database handle and one
// authenticated gateway. It fails only when the row schemas cannot be
// compiled.
func NewEngine(database *db.DB, gateway *session.Gateway, cfg Config) (*Engine, error) {
	store := db.NewStore(database)
	set := settings.NewStore(database.DB)
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	collector := NewCollector(store, validator)

	return &Engine{
		database:   database,
		store:      store,
		settings:   set,
		reconciler: schema.NewReconciler(store, set, gateway, cfg.APIBase),
		collector:  collector,
		push:       NewTransmitter(store, set, gateway, collector, cfg.Ring, cfg.APIBase),
		pull:       NewApplier(store, set, gateway, cfg.Ring, cfg.APIBase, cfg.ClientID),
		replicator: ledger.NewReplicator(ledger.NewStore(database.DB), gateway, cfg.APIBase),
		reporter:   NewReporter(store, set, gateway, cfg.APIBase, cfg.ClientID),
		events:     make(chan Event, 64),
	}, nil
}

// Events returns the engine's progress stream. Events are dropped, never
// blocked on, when the consumer lags.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// RunSync executes one full sync cycle. Push and pull failures are isolated
// from each other: a rejected push still pulls, and vice versa. The
// returned Result carries both phase errors; RunSync itself errs only on
// failures that invalidate the whole cycle, such as a required storage
// rebuild.
func (e *Engine) RunSync(ctx context.Context) (*Result, error) {
	started := time.Now()
	e.emit(EventSyncStarted, "Sync started", nil)

	snap := e.reconciler.FetchSnapshot(ctx)
	if compat := e.reconciler.EnsureCompatible(snap); compat.Action == schema.ActionRebuild {
		logging.Warn("Local storage incompatible, rebuilding", map[string]interface{}{
			"reason": compat.Reason,
		})
		if err := e.database.Rebuild(); err != nil {
			e.emit(EventSyncFailed, "Storage rebuild failed", nil)
			return nil, apperrors.Wrap(apperrors.ErrSchemaRebuild, "storage rebuild failed", err)
		}
		e.emit(EventSyncFailed, "Local storage was rebuilt, sign in again", nil)
		return nil, apperrors.New(apperrors.ErrAuthRequired, "local storage was rebuilt, authentication required")
	}
	if err := e.reconciler.RepairLocalTables(snap); err != nil {
		// Repair is best-effort; a failed repair leaves rows the push
		// validator will quarantine instead.
		logging.Error("Local table repair failed", err)
	}

	result := &Result{}

	result.Pushed, result.PushErr = e.push.Push(ctx)
	if result.PushErr != nil {
		if apperrors.Is(result.PushErr, apperrors.ErrAuthRequired) {
			e.emit(EventSyncFailed, "Authentication required", nil)
			return result, result.PushErr
		}
		logging.Error("Push phase failed", result.PushErr, map[string]interface{}{
			"pushed": result.Pushed,
		})
	}
	e.emit(EventSyncProgress, "Push finished", map[string]interface{}{
		"pushed": result.Pushed,
	})

	pullStarted := time.Now()
	result.Pulled, result.PullErr = e.pull.Pull(ctx)
	if result.PullErr != nil {
		if apperrors.Is(result.PullErr, apperrors.ErrAuthRequired) {
			e.emit(EventSyncFailed, "Authentication required", nil)
			return result, result.PullErr
		}
		logging.Error("Pull phase failed", result.PullErr, map[string]interface{}{
			"pulled": result.Pulled,
		})
	} else if result.Pulled > 0 {
		if err := e.settings.SetInt64(settings.KeyLastFullPullMs, time.Since(pullStarted).Milliseconds()); err != nil {
			logging.Error("Failed to record pull duration", err)
		}
	}
	e.emit(EventSyncProgress, "Pull finished", map[string]interface{}{
		"pulled": result.Pulled,
	})

	if err := e.reporter.Report(ctx); err != nil {
		logging.Error("Consistency report failed", err)
	}

	if err := e.replicator.Replicate(ctx); err != nil {
		// Ledger replication is a mirror for audit, not a dependency of
		// the data path.
		logging.Error("Ledger replication failed", err)
	}

	result.DurationMs = time.Since(started).Milliseconds()
	if result.PushErr == nil && result.PullErr == nil {
		if err := e.settings.SetInt64(settings.KeyLastSyncAt, time.Now().UnixMilli()); err != nil {
			logging.Error("Failed to record sync time", err)
		}
	}

	e.emit(EventSyncCompleted, "Sync completed", map[string]interface{}{
		"pushed":      result.Pushed,
		"pulled":      result.Pulled,
		"duration_ms": result.DurationMs,
		"push_error":  errString(result.PushErr),
		"pull_error":  errString(result.PullErr),
	})
	return result, nil
}

// Store exposes the engine's row store for status inspection.
func (e *Engine) Store() *db.Store {
	return e.store
}

// Settings exposes the engine's settings store.
func (e *Engine) Settings() *settings.Store {
	return e.settings
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
