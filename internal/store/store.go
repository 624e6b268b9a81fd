// Package store is the durable account store: one row per owner identity
// with a unique reverse index on the backend account id. Record I/O runs
// on a bounded worker pool so callers that must stay responsive (the
// subscription read loop in particular) never execute queries inline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lnwallet/internal/observability"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("store: record not found")

// Record is one persisted account: backend identifiers plus encrypted
// credentials. Credentials are sealed by the keystore before they get
// here; the store never sees plaintext keys.
type Record struct {
	OwnerID          string
	BackendAccountID string
	AdminKey         string
	InvoiceKey       string
	DisplayName      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store persists account records in Postgres.
type Store struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics

	workers   int
	tasks     chan func()
	wg        sync.WaitGroup
	mu        sync.RWMutex
	accepting bool
}

// New creates a store over an open database handle. workers bounds the
// pool; queueSize bounds waiting tasks.
func New(db *sql.DB, workers, queueSize int, log zerolog.Logger, metrics *observability.Metrics) *Store {
	if workers < 1 {
		workers = 4
	}
	if queueSize < 1 {
		queueSize = 64
	}
	return &Store{
		db:      db,
		log:     log,
		metrics: metrics,
		workers: workers,
		tasks:   make(chan func(), queueSize),
	}
}

// Init pings the database, creates the schema if absent, and starts the
// worker pool. Idempotent schema creation: safe to run on every startup.
func (s *Store) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}

	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.log.Info().Int("workers", s.workers).Msg("account store started")
	return nil
}

func (s *Store) worker() {
	defer s.wg.Done()
	for task := range s.tasks {
		task()
		if s.metrics != nil {
			s.metrics.StoreQueueDepth.Set(float64(len(s.tasks)))
		}
	}
}

// Shutdown stops intake and drains in-flight work. Waits until the pool
// is idle or ctx expires.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	close(s.tasks)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("account store drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("store: shutdown grace period expired: %w", ctx.Err())
	}
}

// submit runs fn on the worker pool and waits for its result. The caller
// blocks on a channel, not on the query itself, and gives up when ctx
// expires even if the task is still queued.
func (s *Store) submit(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	if !s.accepting {
		s.mu.RUnlock()
		return fmt.Errorf("store: %s: store is shut down", op)
	}

	result := make(chan error, 1)
	task := func() {
		start := time.Now()
		err := fn(ctx)
		if s.metrics != nil {
			s.metrics.StoreTaskDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			if err != nil && !errors.Is(err, ErrNotFound) {
				s.metrics.StoreErrors.WithLabelValues(op).Inc()
			}
		}
		result <- err
	}

	select {
	case s.tasks <- task:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return fmt.Errorf("store: %s: queue full: %w", op, ctx.Err())
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("store: %s: %w", op, ctx.Err())
	}
}

// Save upserts a record keyed by owner. Replays and credential rotations
// land on the same row; created_at is preserved on conflict.
func (s *Store) Save(ctx context.Context, rec Record) error {
	return s.submit(ctx, "save", func(ctx context.Context) error {
		now := time.Now().UTC()
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO wallet.accounts
				(owner_id, backend_account_id, admin_key, invoice_key, display_name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (owner_id) DO UPDATE SET
				backend_account_id = EXCLUDED.backend_account_id,
				admin_key          = EXCLUDED.admin_key,
				invoice_key        = EXCLUDED.invoice_key,
				display_name       = EXCLUDED.display_name,
				updated_at         = EXCLUDED.updated_at
		`, rec.OwnerID, rec.BackendAccountID, rec.AdminKey, rec.InvoiceKey, rec.DisplayName, createdAt, now)
		if err != nil {
			return fmt.Errorf("store: save %s: %w", rec.OwnerID, err)
		}
		return nil
	})
}

// Load returns the record for an owner identity.
func (s *Store) Load(ctx context.Context, ownerID string) (Record, error) {
	var rec Record
	err := s.submit(ctx, "load", func(ctx context.Context) error {
		return s.scanOne(ctx, &rec,
			`SELECT owner_id, backend_account_id, admin_key, invoice_key, display_name, created_at, updated_at
			 FROM wallet.accounts WHERE owner_id = $1`, ownerID)
	})
	return rec, err
}

// LoadByBackendAccountID is the reverse lookup used when a payment event
// names only the backend account.
func (s *Store) LoadByBackendAccountID(ctx context.Context, backendAccountID string) (Record, error) {
	var rec Record
	err := s.submit(ctx, "load_by_backend_id", func(ctx context.Context) error {
		return s.scanOne(ctx, &rec,
			`SELECT owner_id, backend_account_id, admin_key, invoice_key, display_name, created_at, updated_at
			 FROM wallet.accounts WHERE backend_account_id = $1`, backendAccountID)
	})
	return rec, err
}

// LoadAll returns every account record, used to warm the ledger cache at
// startup.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := s.submit(ctx, "load_all", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT owner_id, backend_account_id, admin_key, invoice_key, display_name, created_at, updated_at
			 FROM wallet.accounts ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("store: load all: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var rec Record
			if err := rows.Scan(&rec.OwnerID, &rec.BackendAccountID, &rec.AdminKey,
				&rec.InvoiceKey, &rec.DisplayName, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
				return fmt.Errorf("store: scan record: %w", err)
			}
			recs = append(recs, rec)
		}
		return rows.Err()
	})
	return recs, err
}

// Exists reports whether an owner has a persisted account. Never creates.
func (s *Store) Exists(ctx context.Context, ownerID string) (bool, error) {
	var exists bool
	err := s.submit(ctx, "exists", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallet.accounts WHERE owner_id = $1)`, ownerID,
		).Scan(&exists)
	})
	return exists, err
}

func (s *Store) scanOne(ctx context.Context, rec *Record, query string, arg interface{}) error {
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&rec.OwnerID, &rec.BackendAccountID, &rec.AdminKey,
		&rec.InvoiceKey, &rec.DisplayName, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: query: %w", err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS wallet;

		CREATE TABLE IF NOT EXISTS wallet.accounts (
			owner_id           TEXT PRIMARY KEY,
			backend_account_id TEXT NOT NULL,
			admin_key          TEXT NOT NULL,
			invoice_key        TEXT NOT NULL,
			display_name       TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS accounts_backend_account_id_idx
			ON wallet.accounts (backend_account_id);
	`)
	return err
}
