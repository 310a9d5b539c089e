// Package health tracks the health of cloudmount's components (the remote
// session, the store, the cache) and reports whether each still allows
// reads, writes, or neither, so the device status surface can show
// something more granular than the sync engine's single connected/
// disconnected session state.
package health

import (
	stderr "errors"
	"sync"
	"time"

	"github.com/cloudmount/cloudmount/pkg/errors"
)

// HealthState represents the overall health state of a component.
type HealthState int

const (
	// StateHealthy indicates the component is fully operational.
	StateHealthy HealthState = iota

	// StateDegraded indicates the component is operational but with reduced functionality.
	StateDegraded

	// StateReadOnly indicates the component's errors are specifically write
	// failures (access denied, precondition failed) rather than general
	// unreachability.
	StateReadOnly

	// StateUnavailable indicates the component is not operational.
	StateUnavailable
)

// String returns the string representation of a health state.
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of a specific component.
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastError         error       `json:"-"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// Tracker tracks the health of multiple components and determines overall
// system health; the sync engine attaches one and records every remote
// probe's outcome against it (AttachHealth/RecordSuccess/RecordError), and
// pkg/status surfaces the aggregate via GetOverallHealth/GetAllComponents.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
}

// TrackerConfig configures health tracking behavior.
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded.
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`
}

// DefaultConfig returns a default tracker configuration.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// NewTracker creates a new health tracker.
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a new component for health tracking.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: time.Now(),
			LastHealthCheck: time.Now(),
		}
	}
}

// RecordSuccess records a successful operation for a component.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	health.LastHealthCheck = time.Now()

	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--
		if health.ConsecutiveErrors == 0 && health.State != StateHealthy {
			t.transitionState(health, StateHealthy)
		}
	}
}

// RecordError records an error for a component.
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		if t.isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}

	if newState != health.State {
		t.transitionState(health, newState)
	}
}

// GetAllComponents returns health information for all registered components.
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		copied := *health
		result[name] = &copied
	}
	return result
}

// GetOverallHealth returns the overall system health based on all components:
// the worst state among them, or StateHealthy if none are registered.
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// transitionState transitions a component to a new state (must be called with lock held).
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = time.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

// isWriteError reports whether err specifically indicates a write failure
// (so reads may still work) rather than general unreachability.
func (t *Tracker) isWriteError(err error) bool {
	if err == nil {
		return false
	}

	var cmErr *errors.CloudMountError
	if stderr.As(err, &cmErr) {
		switch cmErr.Code {
		case errors.ErrCodeAccessDenied, errors.ErrCodePreconditionFail:
			return true
		}
	}
	return false
}
