// Package store is the local SQLite cache of remote instance and reference
// data.
//
// All writes go through one process-wide mutex and run in a single
// transaction each. Front-end reads never wait for that mutex: they try to
// acquire it and return an empty result when a write is in progress. Freshness
// is bounded by the caller's poll interval.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/db"
)

var (
	readContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcache_store_read_contention_total",
			Help: "Reads that returned empty because a write held the lock",
		},
		[]string{"table"},
	)

	writeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmcache_store_write_duration_seconds",
			Help:    "Duration of store write transactions including lock wait",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

const (
	writeAttempts = 3
	writeBackoff  = 100 * time.Millisecond
)

type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	logger  zerolog.Logger
	sealKey []byte
	now     func() time.Time
	region  string
}

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger.With().Str("component", "store").Logger() }
}

// WithSealingKey seals the stored secret key with the given 32 byte key.
func WithSealingKey(key []byte) Option {
	return func(s *Store) { s.sealKey = key }
}

// WithDefaultRegion replaces the built-in default region for settings that
// have none saved.
func WithDefaultRegion(region string) Option {
	return func(s *Store) { s.region = region }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(conn *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     conn,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the settings singleton if it does not exist yet.
func (s *Store) Init(ctx context.Context) error {
	return s.Tx(ctx, "init", func(w *Writer) error {
		_, err := w.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings (id, updated_at) VALUES (1, ?)`, w.stamp)
		if err != nil {
			return fmt.Errorf("create settings row: %w", err)
		}
		return nil
	})
}

// Ping checks that the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Writer exposes the write primitives inside one transaction. It is only
// valid for the duration of the Tx callback.
type Writer struct {
	tx    *sql.Tx
	s     *Store
	stamp string
}

// Tx runs fn in one transaction while holding the write lock. The statements
// fn issues are applied in call order and commit together; any error rolls
// the whole transaction back. A transaction that fails because another
// process holds the file lock is retried.
func (s *Store) Tx(ctx context.Context, op string, fn func(w *Writer) error) error {
	start := time.Now()
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		writeDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	return db.Retry(ctx, writeAttempts, writeBackoff, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%s: begin: %w", op, err)
		}
		w := &Writer{tx: tx, s: s, stamp: formatTime(s.now())}
		if err := fn(w); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: commit: %w", op, err)
		}
		return nil
	})
}

// tryRead runs fn only if the write lock is free at this instant.
func (s *Store) tryRead(table string, fn func() error) bool {
	if !s.mu.TryLock() {
		readContention.WithLabelValues(table).Inc()
		return false
	}
	defer s.mu.Unlock()

	if err := fn(); err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("read failed")
		return false
	}
	return true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, ns.String); err == nil {
			return &t
		}
	}
	return nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// idList encodes ids as a JSON array for use with json_each, which keeps id
// filters independent of SQLite's bound-parameter limit.
func idList(ids []string) string {
	b, _ := json.Marshal(ids)
	return string(b)
}
