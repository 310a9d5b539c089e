// Package syncengine is the dispatch loop that reconciles the durable
// store's Action queue against the remote.Client: it is the only
// component that ever talks to the remote session, turning each
// coalesced Action (internal/store's EnqueueAction/DequeueNextAction)
// into a push (local change to remote) or pull (remote change to local)
// side effect against internal/store and internal/cache.
//
// A single session tracks the remote's reachability, probed once per
// tick and wrapped in an internal/circuit.CircuitBreaker so a
// persistently failing remote stops being hammered every tick and
// instead waits out a cooldown. Optional collaborators (internal/metrics,
// pkg/health, pkg/status) can be wired in after construction via the
// AttachX methods below; each is a no-op until attached.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudmount/cloudmount/internal/cache"
	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/metrics"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/store"
	cloudmounterrors "github.com/cloudmount/cloudmount/pkg/errors"
	"github.com/cloudmount/cloudmount/pkg/health"
	"github.com/cloudmount/cloudmount/pkg/logging"
	"github.com/cloudmount/cloudmount/pkg/status"
)

// healthComponentRemote is the pkg/health component name recording every
// session probe; kept distinct from "store" and "cache" so the device
// status surface can show which layer, not just the session, is degraded.
const healthComponentRemote = "remote"

// Engine dequeues and executes one Action at a time against a remote.Client.
// It operates directly on store.Object rather than through internal/model's
// Node wrapper: the adapter and model package own the POSIX-facing view and
// the intents that enqueue Actions, while the engine only ever reconciles
// what those intents already recorded in the store.
type Engine struct {
	store  *store.Store
	cache  *cache.Layer
	remote remote.Client

	drive   config.DriveConfig
	network config.NetworkConfig

	session *session
	logger  zerolog.Logger

	metrics *metrics.Collector
	health  *health.Tracker
	ops     *status.Tracker
}

// AttachMetrics wires a metrics.Collector into the engine so every
// dispatched Action records its duration and outcome; nil disables
// recording (the zero value already behaves this way before this is
// called).
func (e *Engine) AttachMetrics(c *metrics.Collector) {
	e.metrics = c
}

// AttachHealth wires a health.Tracker into the engine so the device
// status surface can report the remote session's health independently
// of the single connected/reconnecting session state; nil disables
// recording. The tracker must already have healthComponentRemote
// registered.
func (e *Engine) AttachHealth(h *health.Tracker) {
	e.health = h
}

// AttachStatus wires a status.Tracker into the engine so every dispatched
// Action is visible as a named, progress-reporting Operation on the
// device status surface; nil (the default) disables tracking.
func (e *Engine) AttachStatus(t *status.Tracker) {
	e.ops = t
}

// New builds an Engine over the given store, cache layer and remote client.
func New(st *store.Store, c *cache.Layer, rc remote.Client, drive config.DriveConfig, network config.NetworkConfig) *Engine {
	logger := logging.Component("syncengine")
	return &Engine{
		store:   st,
		cache:   c,
		remote:  rc,
		drive:   drive,
		network: network,
		session: newSession(logger, network.CircuitBreaker),
		logger:  logger,
	}
}

// Run drives Tick on a fixed interval until ctx is canceled, draining the
// queue each time it wakes (calling Tick repeatedly while it reports work
// done) rather than processing a single Action per tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				worked, err := e.Tick(ctx)
				if err != nil {
					e.logger.Error().Err(err).Msg("tick failed")
				}
				if !worked {
					break
				}
			}
		}
	}
}

// Tick performs at most one health probe and one Action dispatch. It
// reports worked=true if an Action was dequeued (whether it succeeded or
// failed), so Run knows whether to loop again immediately.
func (e *Engine) Tick(ctx context.Context) (worked bool, err error) {
	probeErr := e.session.probe(ctx, e.remote.Healthy)
	if e.health != nil {
		if probeErr != nil {
			e.health.RecordError(healthComponentRemote, probeErr)
		} else {
			e.health.RecordSuccess(healthComponentRemote)
		}
	}
	if !e.session.connected() {
		return false, nil
	}

	act, err := e.store.DequeueNextAction(ctx, e.drive.BaseBackoff, e.drive.RetryCap)
	if err != nil {
		return false, fmt.Errorf("dequeue action: %w", err)
	}
	if act == nil {
		return false, nil
	}

	opName := string(act.Direction) + "_" + string(act.Kind)

	var opID string
	if e.ops != nil {
		op := e.ops.StartOperation(opName, map[string]interface{}{
			"target_id": act.TargetID,
			"action_id": act.ID,
		})
		opID = op.ID
	}

	dispatchStart := time.Now()
	dispatchErr := e.dispatch(ctx, act)
	if e.metrics != nil {
		e.metrics.RecordOperation(opName, time.Since(dispatchStart), dispatchErr == nil)
		if dispatchErr != nil {
			e.metrics.RecordError(opName, dispatchErr)
		}
	}
	if e.ops != nil {
		if dispatchErr != nil {
			_ = e.ops.FailOperation(opID, dispatchErr)
		} else {
			_ = e.ops.CompleteOperation(opID)
		}
	}

	if finishErr := e.finish(ctx, act, dispatchErr); finishErr != nil {
		return true, fmt.Errorf("finish action %d: %w", act.ID, finishErr)
	}
	return true, nil
}

func (e *Engine) dispatch(ctx context.Context, act *store.Action) error {
	obj, err := e.store.FetchObjectByID(ctx, act.TargetID)
	if err != nil {
		if err == store.ErrNotFound {
			// The object was hard-deleted locally after this action was
			// enqueued (e.g. a rapid create-then-delete); there is
			// nothing left to reconcile.
			return nil
		}
		return fmt.Errorf("fetch target: %w", err)
	}

	switch act.Direction {
	case store.DirectionPush:
		switch act.Kind {
		case store.KindUpload:
			return e.pushUpload(ctx, obj, act)
		case store.KindUpdateContent:
			return e.pushUpdateContent(ctx, obj, act)
		case store.KindRename:
			return e.pushRename(ctx, obj, act)
		case store.KindMove:
			return e.pushMove(ctx, obj, act)
		case store.KindDelete:
			return e.pushDelete(ctx, obj, act)
		}
	case store.DirectionPull:
		switch act.Kind {
		case store.KindListChildren:
			return e.pullListChildren(ctx, obj)
		case store.KindEnsureLatest:
			return e.pullEnsureLatest(ctx, obj)
		case store.KindDownload:
			return e.pullDownload(ctx, obj)
		case store.KindDownloadChunk:
			return e.pullDownloadChunk(ctx, obj, act)
		}
	}
	return fmt.Errorf("unhandled action %s/%s", act.Direction, act.Kind)
}

// finish completes or fails act according to err, classifying err as
// transient (reset to pending, no backoff, retry-count untouched) or
// persistent (failed, retry-count incremented, exponential backoff)
// per the failure-classification markers in pkg/errors. When a
// persistent failure exhausts the retry cap, the target Object is
// marked SyncStateError before the Action row is dropped.
func (e *Engine) finish(ctx context.Context, act *store.Action, err error) error {
	if err == nil {
		return e.store.CompleteAction(ctx, act.ID)
	}

	if e.metrics != nil {
		e.metrics.RecordRetry(string(act.Kind))
	}

	transient := cloudmounterrors.IsTransientRemoteError(err)
	if transient {
		// Mark the session unhealthy so the next tick re-probes before
		// dispatching again.
		e.session.mu.Lock()
		e.session.state = sessionReconnecting
		e.session.lastErr = err
		e.session.mu.Unlock()
	}
	if !transient && act.RetryCount+1 > e.drive.RetryCap {
		if obj, ferr := e.store.FetchObjectByID(ctx, act.TargetID); ferr == nil {
			obj.SyncState = store.SyncStateError
			_ = e.store.SaveObject(ctx, obj)
		}
	}
	return e.store.FailAction(ctx, act.ID, err, transient, e.drive.RetryCap)
}

// Status is the device/session status surface the CLI and a status xattr
// expose: queue depth, oldest pending age, and remote reachability.
type Status struct {
	SessionState             string
	BreakerState             string
	BreakerConsecutiveErrors uint32
	QueuePendingOrProcessing int
	OldestPendingAgeSeconds  int64
	LastError                string
}

// Status reports the engine's current aggregate state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	depth, err := e.store.CountPendingOrProcessing(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	age, err := e.store.OldestPendingAge(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	counts := e.session.breakerCounts()
	return Status{
		SessionState:             e.session.currentState(),
		BreakerState:             e.session.breakerState().String(),
		BreakerConsecutiveErrors: counts.ConsecutiveFailures,
		QueuePendingOrProcessing: depth,
		OldestPendingAgeSeconds:  age,
		LastError:                e.session.lastError(),
	}, nil
}

// isRoot reports whether id names one of the two well-known root rows,
// which have no local parent and whose cloud id is either absent (a
// mount that has never synced) or the backend's root sentinel.
func isRoot(id string) bool {
	return id == store.FSRootID || id == store.DriveRootID
}

// cloudFolderID resolves the cloud-side folder id to pass to
// ListDirectory/as a parent id for obj, which must be a folder (or one
// of the roots). ready is false when obj is an ordinary, not-yet-synced
// local folder with nothing remote to list yet.
func cloudFolderID(obj *store.Object) (id string, ready bool) {
	if obj.CloudID != nil {
		return *obj.CloudID, true
	}
	if isRoot(obj.ID) {
		return "", true
	}
	return "", false
}

func etagOf(obj *store.Object) string {
	if obj.CloudEtag == nil {
		return ""
	}
	return *obj.CloudEtag
}

// splitNameExtension mirrors model's own helper of the same name: a
// folder keeps its whole name in Name with no Extension; a file's last
// dot-delimited segment becomes Extension.
func splitNameExtension(full string, isDir bool) (name, extension string) {
	if isDir || full == "" {
		return full, ""
	}
	for i := len(full) - 1; i > 0; i-- {
		if full[i] == '.' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}
