// Package status tracks in-flight push/pull operations (one entry per
// syncengine Action dispatch) and aggregates them, together with the
// pkg/health component states and the engine's own queue/session state,
// into the device status surface served at the metrics collector's
// /status endpoint.
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudmount/cloudmount/pkg/errors"
	"github.com/cloudmount/cloudmount/pkg/health"
)

var opIDCounter uint64

// OperationStatus represents the status of a tracked Action dispatch.
type OperationStatus int

const (
	// StatusInProgress indicates the operation is currently executing
	StatusInProgress OperationStatus = iota

	// StatusCompleted indicates the operation completed successfully
	StatusCompleted

	// StatusFailed indicates the operation failed
	StatusFailed
)

// String returns the string representation of an operation status
func (s OperationStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation represents one tracked Action dispatch.
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    OperationStatus        `json:"status"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     *errors.CloudMountError `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	mu sync.RWMutex
}

// Tracker tracks in-flight and recently finished Action dispatches and
// folds them together with component health and engine queue state into
// a single status snapshot.
type Tracker struct {
	mu            sync.RWMutex
	operations    map[string]*Operation
	history       []*Operation
	maxHistory    int
	healthTracker *health.Tracker
	engineProbe   EngineProbe
}

// EngineProbe reports the sync engine's queue depth, the age in seconds
// of its oldest pending Action, and its current session state, so
// GetSystemStatus can fold engine state into the same snapshot as
// operations and component health without syncengine importing this
// package back (it already depends on Tracker for AttachStatus).
type EngineProbe func(ctx context.Context) (queueDepth int, oldestPendingAgeSeconds int64, sessionState string, err error)

// TrackerConfig configures operation tracking behavior
type TrackerConfig struct {
	MaxHistorySize int             `json:"max_history_size"`
	HealthTracker  *health.Tracker `json:"-"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 1000,
	}
}

// NewTracker creates a new operation tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}

	return &Tracker{
		operations:    make(map[string]*Operation),
		history:       make([]*Operation, 0, config.MaxHistorySize),
		maxHistory:    config.MaxHistorySize,
		healthTracker: config.HealthTracker,
	}
}

// AttachEngineProbe wires the callback GetSystemStatus uses to report
// queue depth, oldest pending age, and session state; nil (the default)
// leaves those fields zero-valued.
func (t *Tracker) AttachEngineProbe(probe EngineProbe) {
	t.engineProbe = probe
}

// StartOperation begins tracking one Action dispatch.
func (t *Tracker) StartOperation(opType string, metadata map[string]interface{}) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := &Operation{
		ID:        generateOperationID(),
		Type:      opType,
		Status:    StatusInProgress,
		StartTime: time.Now(),
		Metadata:  metadata,
	}

	t.operations[op.ID] = op
	return op
}

// CompleteOperation marks an operation as completed and moves it to history.
func (t *Tracker) CompleteOperation(opID string) error {
	return t.finishOperation(opID, StatusCompleted, nil)
}

// FailOperation marks an operation as failed and moves it to history.
func (t *Tracker) FailOperation(opID string, err error) error {
	return t.finishOperation(opID, StatusFailed, err)
}

func (t *Tracker) finishOperation(opID string, final OperationStatus, opErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return errors.NewError(errors.ErrCodeNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()
	op.Status = final
	now := time.Now()
	op.EndTime = &now
	if opErr != nil {
		if cmErr, ok := opErr.(*errors.CloudMountError); ok {
			op.Error = cmErr
		} else {
			op.Error = errors.NewError(errors.ErrCodeInternalError, opErr.Error())
		}
	}
	op.mu.Unlock()

	t.moveToHistory(op)
	delete(t.operations, opID)
	return nil
}

// GetAllOperations returns all in-flight operations.
func (t *Tracker) GetAllOperations() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]*Operation, 0, len(t.operations))
	for _, op := range t.operations {
		ops = append(ops, op.Copy())
	}
	return ops
}

// GetHistory returns up to limit recently finished operations, most
// recent first; limit <= 0 returns the full retained history.
func (t *Tracker) GetHistory(limit int) []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	result := make([]*Operation, limit)
	copy(result, t.history[:limit])
	return result
}

// GetSystemStatus aggregates in-flight operations, recent history,
// component health, and (if an EngineProbe is attached) the sync
// engine's queue depth, oldest pending age, and session state into a
// single snapshot.
func (t *Tracker) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	ops := t.GetAllOperations()

	status := &SystemStatus{
		Timestamp:        time.Now(),
		ActiveOps:        len(ops),
		OperationsByType: make(map[string]int),
		ActiveOperations: ops,
		RecentOperations: t.GetHistory(20),
	}
	for _, op := range ops {
		status.OperationsByType[op.Type]++
	}

	if t.healthTracker != nil {
		status.HealthState = t.healthTracker.GetOverallHealth()
		status.ComponentHealth = t.healthTracker.GetAllComponents()
	}

	if t.engineProbe != nil {
		depth, age, sessionState, err := t.engineProbe(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine probe: %w", err)
		}
		status.QueueDepth = depth
		status.OldestPendingAgeSeconds = age
		status.ConnectionState = sessionState
	}

	return status, nil
}

// SystemStatus represents a single point-in-time status snapshot.
type SystemStatus struct {
	Timestamp               time.Time                          `json:"timestamp"`
	ActiveOps               int                                 `json:"active_operations"`
	OperationsByType        map[string]int                     `json:"operations_by_type"`
	ActiveOperations        []*Operation                        `json:"active,omitempty"`
	RecentOperations        []*Operation                        `json:"recent,omitempty"`
	HealthState             health.HealthState                  `json:"health_state"`
	ComponentHealth         map[string]*health.ComponentHealth  `json:"component_health,omitempty"`
	QueueDepth              int                                 `json:"queue_depth"`
	OldestPendingAgeSeconds int64                               `json:"oldest_pending_age_seconds"`
	ConnectionState         string                              `json:"connection_state,omitempty"`
}

// moveToHistory moves an operation to history (must be called with lock held)
func (t *Tracker) moveToHistory(op *Operation) {
	t.history = append([]*Operation{op.Copy()}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
}

// Copy creates a deep copy of an operation
func (o *Operation) Copy() *Operation {
	o.mu.RLock()
	defer o.mu.RUnlock()

	copied := &Operation{
		ID:        o.ID,
		Type:      o.Type,
		Status:    o.Status,
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
		Error:     o.Error,
		Metadata:  make(map[string]interface{}, len(o.Metadata)),
	}
	for k, v := range o.Metadata {
		copied.Metadata[k] = v
	}
	return copied
}

// generateOperationID generates a unique operation ID
func generateOperationID() string {
	counter := atomic.AddUint64(&opIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().Unix(), counter)
}
