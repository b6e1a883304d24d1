package database

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
)

// PoolStats is a read-only snapshot of pool counters.
type PoolStats struct {
	Acquired        int64     `json:"acquired"`
	Released        int64     `json:"released"`
	Failed          int64     `json:"failed"`
	QueriesExecuted int64     `json:"queries_executed"`
	InUse           int       `json:"in_use"`
	Capacity        int       `json:"capacity"`
	LastHealthCheck time.Time `json:"last_health_check"`
	Healthy         bool      `json:"healthy"`
}

// Pool bounds concurrent database work on top of the shared gorm handle.
// sql.DB already pools physical connections; this layer adds a hard
// admission limit with an acquisition deadline, per-query deadlines, and
// observable counters.
type Pool struct {
	db        *gorm.DB
	slots     chan struct{}
	acquireTO time.Duration
	queryTO   time.Duration
	log       interface {
		Debug(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
	}

	mu    sync.Mutex
	stats PoolStats
}

// NewPool wraps db with a bounded admission pool.
func NewPool(db *gorm.DB, cfg config.DatabaseConfig) *Pool {
	capacity := cfg.MaxConns
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		db:        db,
		slots:     make(chan struct{}, capacity),
		acquireTO: cfg.AcquireTimeout,
		queryTO:   cfg.QueryTimeout,
		log:       logger.Named("database.pool"),
	}
}

// WithConn acquires a slot, runs fn with a query-deadline-scoped handle and
// releases the slot on every exit path, including panics.
func (p *Pool) WithConn(ctx context.Context, fn func(db *gorm.DB) error) error {
	acquireCtx := ctx
	if p.acquireTO > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTO)
		defer cancel()
	}

	select {
	case p.slots <- struct{}{}:
	case <-acquireCtx.Done():
		p.bump(func(s *PoolStats) { s.Failed++ })
		if ctx.Err() != nil {
			return errors.NewTimeout("database acquisition", ctx.Err())
		}
		return errors.NewDatabaseError("acquire", acquireCtx.Err(), true)
	}
	p.bump(func(s *PoolStats) { s.Acquired++ })

	defer func() {
		<-p.slots
		p.bump(func(s *PoolStats) { s.Released++ })
	}()

	queryCtx := ctx
	if p.queryTO > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, p.queryTO)
		defer cancel()
	}

	err := fn(p.db.WithContext(queryCtx))
	p.bump(func(s *PoolStats) {
		s.QueriesExecuted++
		if err != nil {
			s.Failed++
		}
	})
	return err
}

// HealthCheck pings the database and records the probe result.
func (p *Pool) HealthCheck(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}

	p.mu.Lock()
	p.stats.LastHealthCheck = time.Now()
	p.stats.Healthy = err == nil
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("database health probe failed", "error", err)
		return errors.NewDatabaseError("health check", err, true)
	}
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.InUse = len(p.slots)
	stats.Capacity = cap(p.slots)
	return stats
}

// DB exposes the raw handle for migrations and startup tasks that manage
// their own deadlines.
func (p *Pool) DB() *gorm.DB {
	return p.db
}

func (p *Pool) bump(update func(*PoolStats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}
