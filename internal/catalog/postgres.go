package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresRecordsTableName = "marketsync_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps one row per record, keyed by (kind, id). Save
// writes rows whose revision changed and drops rows missing from the
// snapshot, in one transaction.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		openDB:    sql.Open,
	}, nil
}

// Load returns nil when the table holds no records. The revision counter is
// recovered from the highest stored revision.
func (b *PostgresStateBackend) Load() (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT kind, id, name, status, revision, attributes, created_at, updated_at FROM %s`,
		postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	snapshot := &Snapshot{Collections: map[string]map[string]Record{}}
	count := 0
	for rows.Next() {
		var rec Record
		var attrs []byte
		if err := rows.Scan(&rec.Kind, &rec.ID, &rec.Name, &rec.Status, &rec.Revision, &attrs, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes of %s/%s: %w", rec.Kind, rec.ID, err)
			}
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		if snapshot.Collections[rec.Kind] == nil {
			snapshot.Collections[rec.Kind] = map[string]Record{}
		}
		snapshot.Collections[rec.Kind][rec.ID] = rec
		if n := revisionNumber(rec.Revision); n > snapshot.RevCounter {
			snapshot.RevCounter = n
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return snapshot, nil
}

func (b *PostgresStateBackend) Save(state *Snapshot) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	table := postgresQuoteIdentifier(b.tableName)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (kind, id, name, status, revision, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, id)
		DO UPDATE SET name = EXCLUDED.name, status = EXCLUDED.status, revision = EXCLUDED.revision,
			attributes = EXCLUDED.attributes, updated_at = EXCLUDED.updated_at
		WHERE %s.revision <> EXCLUDED.revision`, table, table)

	kinds := make([]string, 0)
	ids := make([]string, 0)
	for _, rec := range sortedRecords(state) {
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsert, rec.Kind, rec.ID, rec.Name, rec.Status, rec.Revision,
			string(attrs), rec.CreatedAt, rec.UpdatedAt); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", rec.Kind, rec.ID, err)
		}
		kinds = append(kinds, rec.Kind)
		ids = append(ids, rec.ID)
	}

	prune := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (kind, id) NOT IN (SELECT k, i FROM unnest($1::text[], $2::text[]) AS keep(k, i))`, table)
	if _, err := tx.ExecContext(ctx, prune, pq.Array(kinds), pq.Array(ids)); err != nil {
		return fmt.Errorf("prune removed records: %w", err)
	}
	return tx.Commit()
}

func (b *PostgresStateBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kind TEXT NOT NULL,
				id TEXT NOT NULL,
				name TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT '',
				revision TEXT NOT NULL,
				attributes JSONB,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (kind, id)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// sortedRecords flattens a snapshot in (kind, id) order so concurrent savers
// lock rows in the same order.
func sortedRecords(state *Snapshot) []Record {
	out := make([]Record, 0)
	for kind, records := range state.Collections {
		for id, rec := range records {
			rec.Kind = kind
			rec.ID = id
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// revisionNumber parses the counter out of "rev_<n>"; anything else is 0.
func revisionNumber(revision string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(revision, "rev_"), 10, 64)
	if err != nil || !strings.HasPrefix(revision, "rev_") {
		return 0
	}
	return n
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
