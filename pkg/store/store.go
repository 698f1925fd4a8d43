/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store persists every request, response, batch, and benchmark key
// behind a small typed accessor surface. It speaks sqlite (the default,
// single-writer) and postgres (concurrent writers) through sqlx; the schema
// is owned by embedded goose migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrUnsupportedBackend is returned when a parallel write path is requested
// against a backend that only tolerates a single writer.
var ErrUnsupportedBackend = errors.New("store backend does not support concurrent writers")

// ErrNotFound is returned by the typed getters when no row matches.
var ErrNotFound = errors.New("not found")

// Store wraps the database handle plus the dialect-dependent behavior the
// accessors need.
type Store struct {
	db      *sqlx.DB
	logger  *zap.Logger
	driver  string
	migDir  string
	dialect string

	// concurrent is true when the backend tolerates parallel writers.
	concurrent bool
}

// Open connects to the store identified by a connection URL of the form
// sqlite://<path> or postgres://<dsn>. The sqlite pool is pinned to a single
// connection so that serial writes never interleave.
func Open(url string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		db, err := sqlx.Connect("sqlite3", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		db.SetMaxOpenConns(1)
		return &Store{
			db:      db,
			logger:  logger,
			driver:  "sqlite3",
			migDir:  "migrations/sqlite",
			dialect: "sqlite3",
		}, nil

	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := sqlx.Connect("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return &Store{
			db:         db,
			logger:     logger,
			driver:     "pgx",
			migDir:     "migrations/postgres",
			dialect:    "postgres",
			concurrent: true,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store URL %q", url)
	}
}

// Migrate applies all pending schema migrations, including the seed rows for
// the closed service and severity sets.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(s.dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, s.migDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	s.logger.Info("store migrated", zap.String("driver", s.driver))
	return nil
}

// ConcurrentWriters reports whether parallel batch fan-out may write through
// this store.
func (s *Store) ConcurrentWriters() bool { return s.concurrent }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// insert runs an INSERT written with ? placeholders and returns the new row
// id, papering over the sqlite/postgres difference in id retrieval.
func (s *Store) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if s.dialect == "postgres" {
		var id int64
		q := s.db.Rebind(query + " RETURNING id")
		if err := s.db.QueryRowxContext(ctx, q, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func wrapNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// ServiceByName resolves one of the seeded service rows.
func (s *Store) ServiceByName(ctx context.Context, name string) (*Service, error) {
	var svc Service
	err := s.db.GetContext(ctx, &svc, s.db.Rebind(`SELECT id, name FROM services WHERE name = ?`), name)
	if err != nil {
		return nil, wrapNotFound(err, "service "+name)
	}
	return &svc, nil
}

// SeverityByName resolves one of the seeded severity rows.
func (s *Store) SeverityByName(ctx context.Context, name string) (*Severity, error) {
	var sev Severity
	err := s.db.GetContext(ctx, &sev, s.db.Rebind(`SELECT id, name FROM severities WHERE name = ?`), name)
	if err != nil {
		return nil, wrapNotFound(err, "severity "+name)
	}
	return &sev, nil
}

// ServiceByID resolves a service row by id.
func (s *Store) ServiceByID(ctx context.Context, id int64) (*Service, error) {
	var svc Service
	err := s.db.GetContext(ctx, &svc, s.db.Rebind(`SELECT id, name FROM services WHERE id = ?`), id)
	if err != nil {
		return nil, wrapNotFound(err, fmt.Sprintf("service %d", id))
	}
	return &svc, nil
}

// SeverityByID resolves a severity row by id.
func (s *Store) SeverityByID(ctx context.Context, id int64) (*Severity, error) {
	var sev Severity
	err := s.db.GetContext(ctx, &sev, s.db.Rebind(`SELECT id, name FROM severities WHERE id = ?`), id)
	if err != nil {
		return nil, wrapNotFound(err, fmt.Sprintf("severity %d", id))
	}
	return &sev, nil
}

// CreateBatchRequest inserts a fresh, empty batch.
func (s *Store) CreateBatchRequest(ctx context.Context) (*BatchRequest, error) {
	now := time.Now().UTC()
	id, err := s.insert(ctx, `INSERT INTO batch_requests (created_at) VALUES (?)`, now)
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	return &BatchRequest{ID: id, CreatedAt: now}, nil
}

// CreateRequest persists one request row. createdAt must be stamped before
// the provider call is dispatched.
func (s *Store) CreateRequest(ctx context.Context, serviceID int64, batchID *int64, uri string, createdAt time.Time) (*Request, error) {
	id, err := s.insert(ctx,
		`INSERT INTO requests (service_id, batch_request_id, uri, created_at) VALUES (?, ?, ?, ?)`,
		serviceID, batchID, uri, createdAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return &Request{ID: id, ServiceID: serviceID, BatchRequestID: batchID, URI: uri, CreatedAt: createdAt.UTC()}, nil
}

// CreateResponse persists the response row for a request. Exactly one
// response exists per request; the UNIQUE constraint enforces it.
func (s *Store) CreateResponse(ctx context.Context, requestID int64, body []byte, labels LabelMap, success bool, createdAt time.Time) (*Response, error) {
	if labels == nil {
		labels = LabelMap{}
	}
	id, err := s.insert(ctx,
		`INSERT INTO responses (request_id, created_at, body, labels, success) VALUES (?, ?, ?, ?, ?)`,
		requestID, createdAt.UTC(), body, labels, success)
	if err != nil {
		return nil, fmt.Errorf("create response: %w", err)
	}
	return &Response{ID: id, RequestID: requestID, CreatedAt: createdAt.UTC(), Body: body, Labels: labels, Success: success}, nil
}

// SetResponseKey records which benchmark key governed a response.
func (s *Store) SetResponseKey(ctx context.Context, responseID, keyID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE responses SET benchmark_key_id = ? WHERE id = ?`), keyID, responseID)
	if err != nil {
		return fmt.Errorf("set response key: %w", err)
	}
	return nil
}

// ResponseByRequest loads the response row belonging to a request.
func (s *Store) ResponseByRequest(ctx context.Context, requestID int64) (*Response, error) {
	var resp Response
	err := s.db.GetContext(ctx, &resp, s.db.Rebind(
		`SELECT id, request_id, benchmark_key_id, created_at, body, labels, success
		   FROM responses WHERE request_id = ?`), requestID)
	if err != nil {
		return nil, wrapNotFound(err, fmt.Sprintf("response for request %d", requestID))
	}
	return &resp, nil
}

// CreateKey inserts a benchmark key referring to a completed batch.
func (s *Store) CreateKey(ctx context.Context, row *BenchmarkKeyRow) (*BenchmarkKeyRow, error) {
	row.CreatedAt = time.Now().UTC()
	if row.ExpectedLabels == nil {
		row.ExpectedLabels = StringList{}
	}
	id, err := s.insert(ctx,
		`INSERT INTO benchmark_keys
		   (service_id, batch_request_id, severity_id, created_at, expired,
		    delta_labels, delta_confidence, max_labels, min_confidence, expected_labels)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ServiceID, row.BatchRequestID, row.SeverityID, row.CreatedAt, false,
		row.DeltaLabels, row.DeltaConfidence, row.MaxLabels, row.MinConfidence, row.ExpectedLabels)
	if err != nil {
		return nil, fmt.Errorf("create benchmark key: %w", err)
	}
	row.ID = id
	row.Expired = false
	return row, nil
}

// KeyByID loads a benchmark key row.
func (s *Store) KeyByID(ctx context.Context, id int64) (*BenchmarkKeyRow, error) {
	var row BenchmarkKeyRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT id, service_id, batch_request_id, severity_id, created_at, expired,
		        delta_labels, delta_confidence, max_labels, min_confidence, expected_labels
		   FROM benchmark_keys WHERE id = ?`), id)
	if err != nil {
		return nil, wrapNotFound(err, fmt.Sprintf("benchmark key %d", id))
	}
	return &row, nil
}

// ExpireKey marks a key expired. The transition is one-way: expired keys are
// never deleted and never reset.
func (s *Store) ExpireKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE benchmark_keys SET expired = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("expire key %d: %w", id, err)
	}
	return nil
}

// BatchURIs returns the URIs of a batch's requests in insertion order.
func (s *Store) BatchURIs(ctx context.Context, batchID int64) ([]string, error) {
	var uris []string
	err := s.db.SelectContext(ctx, &uris, s.db.Rebind(
		`SELECT uri FROM requests WHERE batch_request_id = ? ORDER BY id`), batchID)
	if err != nil {
		return nil, fmt.Errorf("batch %d uris: %w", batchID, err)
	}
	return uris, nil
}

// BatchResponses joins a batch's responses back to their request URIs.
// Reassembly downstream is by URI equality, not by order.
func (s *Store) BatchResponses(ctx context.Context, batchID int64) ([]BatchResponse, error) {
	var rows []BatchResponse
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT req.uri AS uri, resp.request_id AS request_id, resp.success AS success, resp.labels AS labels
		   FROM responses resp
		   JOIN requests req ON resp.request_id = req.id
		  WHERE req.batch_request_id = ?
		  ORDER BY req.id`), batchID)
	if err != nil {
		return nil, fmt.Errorf("batch %d responses: %w", batchID, err)
	}
	return rows, nil
}
