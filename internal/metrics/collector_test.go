package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "cloudmount",
			Subsystem: "test",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector(nil) returned nil collector")
		}
		if collector.config == nil {
			t.Fatal("default config is nil")
		}
		if collector.config.Port != 8080 {
			t.Errorf("default port = %d, want 8080", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "cloudmount" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "cloudmount")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		config := &Config{Enabled: false}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector == nil {
			t.Fatal("NewCollector() returned nil collector")
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	t.Run("records successes and failures as separate series", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		// Should not panic, and should accumulate per-action-shape counters.
		collector.RecordOperation("push_upload", 100*time.Millisecond, true)
		collector.RecordOperation("push_upload", 200*time.Millisecond, true)
		collector.RecordOperation("pull_download_chunk", 50*time.Millisecond, false)

		successes := testutilCounterValue(t, collector.actionsTotal, map[string]string{"action": "push_upload", "status": "success"})
		if successes != 2 {
			t.Errorf("push_upload success count = %v, want 2", successes)
		}
		failures := testutilCounterValue(t, collector.actionsTotal, map[string]string{"action": "pull_download_chunk", "status": "error"})
		if failures != 1 {
			t.Errorf("pull_download_chunk error count = %v, want 1", failures)
		}
	})

	t.Run("disabled collector ignores operations", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		// Should not panic even though no series were ever registered.
		collector.RecordOperation("push_upload", 100*time.Millisecond, true)
	})
}

func TestRecordRetry(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordRetry("upload")
	collector.RecordRetry("upload")

	got := testutilCounterValue(t, collector.actionRetries, map[string]string{"kind": "upload"})
	if got != 2 {
		t.Errorf("action_retries_total{kind=upload} = %v, want 2", got)
	}
}

func TestRecordCoalesceFold(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordCoalesceFold()
	collector.RecordCoalesceFold()
	collector.RecordCoalesceFold()

	if got := testutilSimpleCounterValue(t, collector.coalesceFolds); got != 3 {
		t.Errorf("coalesce_folds_total = %v, want 3", got)
	}
}

func TestRecordCacheOperations(t *testing.T) {
	t.Parallel()

	t.Run("record cache hit and miss", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		collector.RecordCacheHit("obj-1", 1024)
		collector.RecordCacheMiss("obj-2", 1024)

		hits := testutilCounterValue(t, collector.cacheRequests, map[string]string{"type": "hit"})
		if hits != 1 {
			t.Errorf("cache_requests_total{type=hit} = %v, want 1", hits)
		}
		misses := testutilCounterValue(t, collector.cacheRequests, map[string]string{"type": "miss"})
		if misses != 1 {
			t.Errorf("cache_requests_total{type=miss} = %v, want 1", misses)
		}
	})

	t.Run("disabled collector ignores cache operations", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		collector.RecordCacheHit("test-key", 1024)
		collector.RecordCacheMiss("test-key", 1024)
	})
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	t.Run("record error", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}

		testErr := errors.New("test error")
		collector.RecordError("push_upload", testErr)

		got := testutilCounterValue(t, collector.errorsTotal, map[string]string{"operation": "push_upload", "type": "other"})
		if got != 1 {
			t.Errorf("errors_total = %v, want 1", got)
		}
	})

	t.Run("disabled collector ignores errors", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		collector.RecordError("test-operation", errors.New("test error"))
	})
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		expectedType string
	}{
		{"timeout error", errors.New("operation timeout"), "timeout"},
		{"connection error", errors.New("connection refused"), "connection"},
		{"not found error", errors.New("file not found"), "not_found"},
		{"permission error", errors.New("permission denied"), "permission"},
		{"throttling error", errors.New("rate throttled"), "throttling"},
		{"other error", errors.New("unknown error"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classifyError(tt.err)
			if result != tt.expectedType {
				t.Errorf("classifyError() = %q, want %q", result, tt.expectedType)
			}
		})
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	ctx := context.Background()
	if err := collector.Stop(ctx); err != nil {
		t.Errorf("Stop() without Start() error = %v, want nil", err)
	}
}

func TestStatusHandler(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.AttachStatusProvider(func(ctx context.Context) (interface{}, error) {
		return map[string]int{"queue_depth": 3}, nil
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	collector.statusHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), `"queue_depth":3`) {
		t.Errorf("body = %q, want it to contain queue_depth", rec.Body.String())
	}
}

func TestStatusHandler_ProviderError(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.AttachStatusProvider(func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("store closed")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	collector.statusHandler(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
