// Package pool provides a bounded, health-checked pool of dedicated
// connections. Each connection is validated when it is handed out and again
// when it comes back; broken ones are closed and replaced on demand.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolExhausted is returned when no connection became available within PoolTimeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
)

const defaultValidateTimeout = 5 * time.Second

// Conn is the minimum a pooled connection must support.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

type pooled interface {
	Conn
	comparable
}

// Factory opens a new connection.
type Factory[C Conn] func(ctx context.Context) (C, error)

// Config bounds the pool.
type Config struct {
	MinConnections  int
	MaxConnections  int
	PoolTimeout     time.Duration
	ValidateTimeout time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total   int
	Active  int
	Idle    int
	MaxSize int
}

// Pool hands out at most MaxConnections connections at a time.
type Pool[C pooled] struct {
	factory Factory[C]
	cfg     Config
	logger  zerolog.Logger

	mu     sync.Mutex
	idle   []C
	active map[C]struct{}
	total  int
	closed bool
	// wait is closed and replaced whenever capacity may have been freed.
	wait chan struct{}
}

// New creates a pool and warms MinConnections connections. Warm-up failures
// are logged and the pool falls back to creating connections lazily.
func New[C pooled](ctx context.Context, factory Factory[C], cfg Config, logger zerolog.Logger) (*Pool[C], error) {
	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("max connections must be at least 1, got %d", cfg.MaxConnections)
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = defaultValidateTimeout
	}

	p := &Pool[C]{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		active:  make(map[C]struct{}),
		wait:    make(chan struct{}),
	}

	for i := 0; i < cfg.MinConnections; i++ {
		c, err := factory(ctx)
		if err != nil {
			logger.Warn().Err(err).Int("warmed", len(p.idle)).Int("wanted", cfg.MinConnections).
				Msg("Failed to warm pool connection, continuing with lazy creation")
			break
		}
		p.idle = append(p.idle, c)
		p.total++
	}

	logger.Info().Int("warm", p.total).Int("max", cfg.MaxConnections).Msg("Connection pool ready")
	return p, nil
}

// Acquire returns a validated connection, creating one if the pool has room.
// It waits up to PoolTimeout for a connection to be released.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C

	timer := time.NewTimer(p.cfg.PoolTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.active[c] = struct{}{}
			p.mu.Unlock()

			if err := p.validate(ctx, c); err != nil {
				p.logger.Debug().Err(err).Msg("Discarding stale pooled connection")
				p.discard(c)
				continue
			}
			return c, nil
		}

		if p.total < p.cfg.MaxConnections {
			// reserve the slot before dialing outside the lock
			p.total++
			p.mu.Unlock()
			return p.open(ctx)
		}

		wait := p.wait
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return zero, ErrPoolExhausted
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (p *Pool[C]) open(ctx context.Context) (C, error) {
	var zero C

	c, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.notifyLocked()
		p.mu.Unlock()
		return zero, fmt.Errorf("failed to open connection: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		return zero, ErrPoolClosed
	}
	p.active[c] = struct{}{}
	p.mu.Unlock()

	return c, nil
}

// Release returns a connection to the pool. Connections that fail validation
// are closed so a later Acquire can open a replacement.
func (p *Pool[C]) Release(c C) {
	p.mu.Lock()
	if _, ok := p.active[c]; !ok {
		// unknown, already released, or closed by Close
		p.mu.Unlock()
		return
	}
	delete(p.active, c)
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.mu.Unlock()

	if err := p.validate(context.Background(), c); err != nil {
		p.logger.Warn().Err(err).Msg("Released connection failed validation, closing it")
		_ = c.Close()
		p.mu.Lock()
		p.total--
		p.notifyLocked()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.total--
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.notifyLocked()
}

// discard closes a connection that is tracked as active.
func (p *Pool[C]) discard(c C) {
	_ = c.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[c]; ok {
		delete(p.active, c)
		p.total--
	}
	p.notifyLocked()
}

func (p *Pool[C]) validate(ctx context.Context, c C) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ValidateTimeout)
	defer cancel()
	return c.Ping(ctx)
}

func (p *Pool[C]) notifyLocked() {
	close(p.wait)
	p.wait = make(chan struct{})
}

// Stats reports pool occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:   p.total,
		Active:  len(p.active),
		Idle:    len(p.idle),
		MaxSize: p.cfg.MaxConnections,
	}
}

// MaxConnections returns the configured upper bound.
func (p *Pool[C]) MaxConnections() int {
	return p.cfg.MaxConnections
}

// Close closes idle and checked-out connections. Later Acquire calls fail
// with ErrPoolClosed.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]C, 0, len(p.idle)+len(p.active))
	conns = append(conns, p.idle...)
	for c := range p.active {
		conns = append(conns, c)
	}
	p.idle = nil
	p.active = make(map[C]struct{})
	// dials still in flight keep their reservation until open() sees closed
	p.total -= len(conns)
	p.notifyLocked()
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info().Int("closed", len(conns)).Msg("Connection pool closed")
	return errors.Join(errs...)
}
