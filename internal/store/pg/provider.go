// Package pg implements the persistence layer over PostgreSQL. The
// handle is owned by a Provider that can be recreated wholesale after a
// detected engine fault; every store fetches the current handle at call
// time instead of closing over one.
package pg

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

// Provider owns the current *sql.DB and supports wholesale recreation.
type Provider struct {
	mu   sync.RWMutex
	db   *sql.DB
	open func() (*sql.DB, error)
}

// Open connects to PostgreSQL and returns a recreatable Provider.
func Open(dsn string) (*Provider, error) {
	open := func() (*sql.DB, error) {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return db, nil
	}
	db, err := open()
	if err != nil {
		return nil, err
	}
	return &Provider{db: db, open: open}, nil
}

// NewProvider wraps a fixed handle. Used by tests with sqlmock; Recreate
// is a no-op without an opener.
func NewProvider(db *sql.DB) *Provider {
	return &Provider{db: db}
}

// Current returns the handle to use for this call. Callers must not
// cache the result across calls.
func (p *Provider) Current() *sql.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

// Recreate tears down the current handle and opens a fresh one. In-flight
// calls against the old handle fail on their own; subsequent Current
// calls observe the new handle.
func (p *Provider) Recreate() {
	if p.open == nil {
		return
	}
	fresh, err := p.open()
	if err != nil {
		obs.Error("store", "handle recreation failed, keeping previous handle", err)
		return
	}
	p.mu.Lock()
	old := p.db
	p.db = fresh
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	obs.Log(map[string]any{"level": "warn", "component": "store", "msg": "storage handle recreated"})
}

// Close releases the current handle.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
