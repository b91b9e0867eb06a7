package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the shard's SQLite object index.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS objects (
    key TEXT PRIMARY KEY,
    bucket TEXT NOT NULL,
    name TEXT NOT NULL,
    size INTEGER NOT NULL,
    mime_type TEXT,
    file_type TEXT,
    owner TEXT,
    sha256 TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);
CREATE INDEX IF NOT EXISTS idx_objects_owner ON objects(owner);
`
	_, err := d.db.Exec(schema)
	return err
}

// --- Object CRUD ---

// CreateObject inserts a new object record.
func (d *DB) CreateObject(o *ObjectRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO objects (key, bucket, name, size, mime_type, file_type, owner, sha256, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Key, o.Bucket, o.Name, o.Size, o.MimeType, o.FileType, o.Owner, o.SHA256, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	return nil
}

// GetObject retrieves an object record by key.
func (d *DB) GetObject(key string) (*ObjectRecord, error) {
	o := &ObjectRecord{}
	var mime, fileType, owner, sum sql.NullString
	err := d.db.QueryRow(
		`SELECT key, bucket, name, size, mime_type, file_type, owner, sha256, created_at
		 FROM objects WHERE key = ?`, key,
	).Scan(&o.Key, &o.Bucket, &o.Name, &o.Size, &mime, &fileType, &owner, &sum, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	o.MimeType, o.FileType, o.Owner, o.SHA256 = mime.String, fileType.String, owner.String, sum.String
	return o, nil
}

// ListObjects returns object records, newest first. An empty bucket lists
// every bucket. limit <= 0 means no limit.
func (d *DB) ListObjects(bucket string, limit int) ([]ObjectRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(
		`SELECT key, bucket, name, size, mime_type, file_type, owner, sha256, created_at
		 FROM objects WHERE (? = '' OR bucket = ?)
		 ORDER BY created_at DESC, key LIMIT ?`,
		bucket, bucket, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var objs []ObjectRecord
	for rows.Next() {
		var o ObjectRecord
		var mime, fileType, owner, sum sql.NullString
		if err := rows.Scan(&o.Key, &o.Bucket, &o.Name, &o.Size, &mime, &fileType, &owner, &sum, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		o.MimeType, o.FileType, o.Owner, o.SHA256 = mime.String, fileType.String, owner.String, sum.String
		objs = append(objs, o)
	}
	return objs, rows.Err()
}

// DeleteObject removes an object record by key.
func (d *DB) DeleteObject(key string) error {
	res, err := d.db.Exec(`DELETE FROM objects WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete object rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete object: %w", sql.ErrNoRows)
	}
	return nil
}

// Stats totals object count and bytes, overall and per bucket.
func (d *DB) Stats() (*Stats, error) {
	rows, err := d.db.Query(
		`SELECT bucket, COUNT(*), COALESCE(SUM(size), 0) FROM objects GROUP BY bucket ORDER BY bucket`,
	)
	if err != nil {
		return nil, fmt.Errorf("object stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{}
	for rows.Next() {
		var b BucketStats
		if err := rows.Scan(&b.Bucket, &b.Objects, &b.Bytes); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Objects += b.Objects
		st.Bytes += b.Bytes
		st.Buckets = append(st.Buckets, b)
	}
	return st, rows.Err()
}
