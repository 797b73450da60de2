// Package sqlite is a durable provider backed by a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	pr "github.com/unkn0wn-root/swcache/provider"
)

const schema = `CREATE TABLE IF NOT EXISTS swcache_values (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

type SQLite struct {
	db *sql.DB
}

var (
	_ pr.Provider      = (*SQLite)(nil)
	_ pr.PrefixDeleter = (*SQLite)(nil)
)

type Config struct {
	Path string
}

func Open(ctx context.Context, cfg Config) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite provider: path is required")
	}
	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// one writer at a time; readers share the connection under WAL
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (p *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		v   []byte
		exp int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM swcache_values WHERE key = ?`, key).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if exp > 0 && time.Now().UnixNano() > exp {
		_ = p.Del(ctx, key)
		return nil, false, nil
	}
	return v, true, nil
}

func (p *SQLite) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO swcache_values (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, exp)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *SQLite) Del(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM swcache_values WHERE key = ?`, key)
	return err
}

// DelPrefix deletes the half-open key range [prefix, upper(prefix)).
// BINARY collation compares bytes, so the range is exactly the prefix set.
func (p *SQLite) DelPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		res, err := p.db.ExecContext(ctx, `DELETE FROM swcache_values`)
		return affected(res, err)
	}
	upper, ok := upperBound(prefix)
	var (
		res sql.Result
		err error
	)
	if ok {
		res, err = p.db.ExecContext(ctx,
			`DELETE FROM swcache_values WHERE key >= ? AND key < ?`, prefix, upper)
	} else {
		res, err = p.db.ExecContext(ctx, `DELETE FROM swcache_values WHERE key >= ?`, prefix)
	}
	return affected(res, err)
}

func (p *SQLite) Close(context.Context) error { return p.db.Close() }

func upperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
