package s3backend

import (
	"sync"
	"time"
)

// Metrics tracks backend request counts, byte counts and rolling average
// latency, with the acceleration/multipart series dropped (this backend
// does neither).
type Metrics struct {
	mu              sync.Mutex
	Requests        int64
	Errors          int64
	BytesUploaded   int64
	BytesDownloaded int64
	AverageLatency  time.Duration
	LastError       string
	LastErrorTime   time.Time
}

func (m *Metrics) record(d time.Duration, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests++
	if isError {
		m.Errors++
	}
	if m.Requests == 1 {
		m.AverageLatency = d
		return
	}
	m.AverageLatency = time.Duration((int64(m.AverageLatency)*9 + int64(d)) / 10)
}

func (m *Metrics) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastError = err.Error()
	m.LastErrorTime = time.Now()
}

func (m *Metrics) recordBytesUp(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesUploaded += n
}

func (m *Metrics) recordBytesDown(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesDownloaded += n
}

// Snapshot returns a copy of the current metrics.
func (b *Backend) Snapshot() Metrics {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	m := b.metrics
	m.mu = sync.Mutex{}
	return m
}
