package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/config"
)

// Querier is satisfied by both the pool and a transaction, so repository
// methods can run inside or outside Transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConnectionPool wraps the pgx pool with a circuit breaker and a background
// health check.
type ConnectionPool struct {
	primary         *pgxpool.Pool
	logger          *zap.Logger
	healthCheckStop chan struct{}
	closeOnce       sync.Once
	circuitBreaker  *CircuitBreaker

	mu              sync.RWMutex
	lastHealthCheck time.Time
	lastHealthError error
}

// NewConnectionPool connects and pings the database named by cfg.URL.
func NewConnectionPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	pool := &ConnectionPool{
		logger:          logger.With(zap.String("component", "database")),
		healthCheckStop: make(chan struct{}),
		circuitBreaker:  NewCircuitBreaker(10, 30*time.Second),
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool.configurePgxPool(poolConfig, cfg)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool.primary, err = pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.primary.Ping(connectCtx); err != nil {
		pool.primary.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	go pool.healthCheckRoutine()

	pool.logger.Info("Database connection pool initialized",
		zap.Int32("max_connections", poolConfig.MaxConns),
		zap.Int32("min_connections", poolConfig.MinConns))
	return pool, nil
}

func (p *ConnectionPool) configurePgxPool(pc *pgxpool.Config, cfg config.DatabaseConfig) {
	pc.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	pc.MinConns = 2
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	if pc.MinConns > pc.MaxConns {
		pc.MinConns = pc.MaxConns
	}
	pc.MaxConnLifetime = 30 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 10 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = 5 * time.Second

	pc.ConnConfig.RuntimeParams["application_name"] = "governance_engine"
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["lock_timeout"] = "10s"
	pc.ConnConfig.RuntimeParams["statement_timeout"] = "30s"
	pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60s"

	pc.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return p.circuitBreaker.Allow()
	}
}

// Pool exposes the underlying pool for repositories.
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.primary
}

// DB returns a database/sql handle over the same pool.
func (p *ConnectionPool) DB() *sql.DB {
	return stdlib.OpenDBFromPool(p.primary)
}

// Transaction runs fn in a read-committed transaction, committing when fn
// returns nil.
func (p *ConnectionPool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return p.TransactionWithOptions(ctx, pgx.TxOptions{}, fn)
}

func (p *ConnectionPool) TransactionWithOptions(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, p.primary, opts, fn)
	if err != nil && isConnectionError(err) {
		p.circuitBreaker.RecordFailure()
	} else if err == nil {
		p.circuitBreaker.RecordSuccess()
	}
	return err
}

func (p *ConnectionPool) healthCheckRoutine() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performHealthCheck()
		case <-p.healthCheckStop:
			return
		}
	}
}

func (p *ConnectionPool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.primary.Ping(ctx)
	if err != nil {
		p.logger.Error("Database health check failed", zap.Error(err))
		p.circuitBreaker.RecordFailure()
	} else {
		p.circuitBreaker.RecordSuccess()
	}

	p.mu.Lock()
	p.lastHealthCheck = time.Now()
	p.lastHealthError = err
	p.mu.Unlock()
}

// Health pings the database and reports pool statistics.
func (p *ConnectionPool) Health(ctx context.Context) (map[string]any, error) {
	stats := p.primary.Stat()
	details := map[string]any{
		"total_connections":    stats.TotalConns(),
		"acquired_connections": stats.AcquiredConns(),
		"idle_connections":     stats.IdleConns(),
		"circuit_state":        p.circuitBreaker.State().String(),
	}
	p.mu.RLock()
	if !p.lastHealthCheck.IsZero() {
		details["last_health_check"] = p.lastHealthCheck
	}
	if p.lastHealthError != nil {
		details["last_health_error"] = p.lastHealthError.Error()
	}
	p.mu.RUnlock()
	if err := p.primary.Ping(ctx); err != nil {
		return details, errors.NewPersistenceError("database ping failed").WithCause(err)
	}
	return details, nil
}

func (p *ConnectionPool) Close() error {
	p.closeOnce.Do(func() {
		close(p.healthCheckStop)
		p.primary.Close()
		p.logger.Info("Database connection pool closed")
	})
	return nil
}

// isConnectionError reports failures of the connection itself rather than
// of the statement, which alone should trip the breaker.
func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		// class 08 is connection exception
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// CircuitBreaker stops handing out connections after threshold consecutive
// failures and lets one probe through after timeout.
type CircuitBreaker struct {
	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	state           CircuitState
	timeout         time.Duration
	threshold       int
	now             func() time.Time
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		state:     CircuitClosed,
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()
	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
