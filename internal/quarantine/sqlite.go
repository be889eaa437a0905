package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRecordStore persists quarantine records in SQLite. All record
// operations run inside a transaction the caller begins and commits; the
// store itself only opens the database and owns the schema.
type SQLiteRecordStore struct {
	db   *sql.DB
	path string
}

var _ RecordStore = (*SQLiteRecordStore)(nil)

// NewSQLiteRecordStore opens or creates the record database at path.
func NewSQLiteRecordStore(path string) (*SQLiteRecordStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open quarantine db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteRecordStore{db: db, path: path}
	if err := store.initSchema(); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			return nil, errors.Join(
				fmt.Errorf("initialize quarantine schema for %q: %w", path, err),
				fmt.Errorf("close quarantine db after init failure: %w", closeErr),
			)
		}
		return nil, fmt.Errorf("initialize quarantine schema for %q: %w", path, err)
	}
	return store, nil
}

func (s *SQLiteRecordStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS quarantine_record (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			scan_id     TEXT,
			file_hash   TEXT NOT NULL,
			file_name   TEXT NOT NULL,
			file_size   INTEGER NOT NULL,
			mime_type   TEXT NOT NULL,
			reason      TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'active',
			ttl_seconds INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			released_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_quarantine_tenant ON quarantine_record(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_quarantine_hash ON quarantine_record(file_hash);
		CREATE INDEX IF NOT EXISTS idx_quarantine_expiry ON quarantine_record(status, expires_at);
	`)
	return err
}

// DB exposes the underlying handle so callers can begin the transactions
// they pass back into the store.
func (s *SQLiteRecordStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRecordStore) Insert(ctx context.Context, tx *sql.Tx, rec *Record) error {
	var scanID sql.NullString
	if rec.ScanID != nil {
		scanID = sql.NullString{String: rec.ScanID.String(), Valid: true}
	}
	var releasedAt sql.NullInt64
	if rec.ReleasedAt != nil {
		releasedAt = sql.NullInt64{Int64: rec.ReleasedAt.UnixNano(), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO quarantine_record
			(id, tenant_id, scan_id, file_hash, file_name, file_size, mime_type,
			 reason, status, ttl_seconds, expires_at, created_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.TenantID.String(), scanID,
		rec.FileHash, rec.FileName, rec.FileSize, rec.MIMEType,
		string(rec.Reason), string(rec.Status), rec.TTLSeconds,
		rec.ExpiresAt.UnixNano(), rec.CreatedAt.UnixNano(), releasedAt,
	)
	if err != nil {
		return fmt.Errorf("insert quarantine record %s: %w", rec.ID, err)
	}
	return nil
}

const recordColumns = `id, tenant_id, scan_id, file_hash, file_name, file_size,
	mime_type, reason, status, ttl_seconds, expires_at, created_at, released_at`

func (s *SQLiteRecordStore) Get(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM quarantine_record WHERE id = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select quarantine record %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteRecordStore) TransitionStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to Status, releasedAt *time.Time) error {
	var released sql.NullInt64
	if releasedAt != nil {
		released = sql.NullInt64{Int64: releasedAt.UnixNano(), Valid: true}
	}

	// Compare-and-swap on the current status so two racing transitions
	// cannot both succeed.
	res, err := tx.ExecContext(ctx, `
		UPDATE quarantine_record
		SET status = ?, released_at = COALESCE(?, released_at)
		WHERE id = ? AND status = ?`,
		string(to), released, id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("update quarantine record %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for record %s: %w", id, err)
	}
	if rows > 0 {
		return nil
	}

	// The CAS matched nothing: report why.
	current, err := s.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("record %s status is %q, expected %q: %w",
		id, current.Status, from, ErrInvalidState)
}

func (s *SQLiteRecordStore) Delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM quarantine_record WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete quarantine record %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for record %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteRecordStore) ListExpired(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM quarantine_record
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`,
		string(StatusActive), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired quarantine records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired quarantine record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired quarantine records: %w", err)
	}
	return records, nil
}

func (s *SQLiteRecordStore) CountActive(ctx context.Context, tx *sql.Tx) (int64, error) {
	var count int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quarantine_record WHERE status = ?`,
		string(StatusActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active quarantine records: %w", err)
	}
	return count, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		idStr      string
		tenantStr  string
		scanID     sql.NullString
		reason     string
		status     string
		expiresAt  int64
		createdAt  int64
		releasedAt sql.NullInt64
	)
	err := row.Scan(&idStr, &tenantStr, &scanID, &rec.FileHash, &rec.FileName,
		&rec.FileSize, &rec.MIMEType, &reason, &status, &rec.TTLSeconds,
		&expiresAt, &createdAt, &releasedAt)
	if err != nil {
		return nil, err
	}

	if rec.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse record id %q: %w", idStr, err)
	}
	if rec.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, fmt.Errorf("parse tenant id %q: %w", tenantStr, err)
	}
	if scanID.Valid {
		parsed, err := uuid.Parse(scanID.String)
		if err != nil {
			return nil, fmt.Errorf("parse scan id %q: %w", scanID.String, err)
		}
		rec.ScanID = &parsed
	}

	rec.Reason = Reason(reason)
	rec.Status = Status(status)
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if releasedAt.Valid {
		t := time.Unix(0, releasedAt.Int64).UTC()
		rec.ReleasedAt = &t
	}
	return &rec, nil
}
