package s3backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool bounds concurrent S3 client checkouts, with acceleration/
// multipart-specific bookkeeping dropped: this backend's single-file
// upload/download path never needs per-connection throughput tuning.
type ConnectionPool struct {
	mu          sync.Mutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks connection pool statistics.
type PoolStats struct {
	Active  int
	Idle    int
	Total   int
	MaxSize int
	Hits    int64
	Misses  int64
}

// NewConnectionPool creates a pool of at most maxSize clients from factory.
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}
	return &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}, nil
}

// Get retrieves a connection from the pool, creating one if the pool has
// room, or blocking briefly for one to free up otherwise.
func (p *ConnectionPool) Get() *s3.Client {
	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn
	default:
	}

	p.mu.Lock()
	if !p.closed && p.currentSize < p.maxSize {
		p.currentSize++
		p.stats.Active++
		p.mu.Unlock()
		conn, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.currentSize--
			p.stats.Active--
			p.mu.Unlock()
			return nil
		}
		return conn
	}
	p.stats.Misses++
	p.mu.Unlock()

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Active++
		p.mu.Unlock()
		return conn
	case <-time.After(5 * time.Second):
		return nil
	}
}

// Put returns a connection to the pool.
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.currentSize--
		p.mu.Unlock()
		return
	}
	p.stats.Active--
	p.mu.Unlock()

	select {
	case p.connections <- conn:
	default:
		p.mu.Lock()
		p.currentSize--
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of the pool's current statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)
	return stats
}

// Close closes the pool; queued connections are simply dropped since the
// underlying s3.Client needs no explicit teardown.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.connections)
	return nil
}
