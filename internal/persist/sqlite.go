package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// OpenSQLite 打开（或创建）SQLite 数据库；单连接避免写锁竞争。
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	return db, nil
}

// SQLiteStore 每个集合一张表：id 主键，body 为 JSON。Save 在单个事务内整体替换。
type SQLiteStore[T any] struct {
	db    *sql.DB
	table string
	mu    sync.Mutex
}

func NewSQLiteStore[T any](ctx context.Context, db *sql.DB, table string) (*SQLiteStore[T], error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + table + ` (
		id         TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &SQLiteStore[T]{db: db, table: table}, nil
}

func (s *SQLiteStore[T]) Load(ctx context.Context) (map[string]T, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()
	out := make(map[string]T)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.table, err)
		}
		var rec T
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", s.table, id, err)
		}
		out[id] = rec
	}
	return out, rows.Err()
}

func (s *SQLiteStore[T]) Save(ctx context.Context, records map[string]T) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM `+s.table); err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+s.table+` (id, body, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UnixMilli()
	for id, rec := range records {
		body, mErr := json.Marshal(rec)
		if mErr != nil {
			err = fmt.Errorf("encode %s/%s: %w", s.table, id, mErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, id, string(body), now); err != nil {
			return fmt.Errorf("insert %s/%s: %w", s.table, id, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
