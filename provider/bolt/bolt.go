// Package bolt is a durable provider on a single bbolt file.
// Entries survive process restarts; this is the default backend.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	pr "github.com/unkn0wn-root/swcache/provider"
)

var (
	valuesBucket = []byte("values")
	expiryBucket = []byte("expiry")
)

type Bolt struct {
	db *bbolt.DB
}

var (
	_ pr.Provider      = (*Bolt)(nil)
	_ pr.PrefixDeleter = (*Bolt)(nil)
)

type Config struct {
	Path        string
	OpenTimeout time.Duration // 0 => 1s; bbolt holds an exclusive file lock
	NoSync      bool          // skip fsync per commit (tests, throwaway caches)
}

func Open(cfg Config) (*Bolt, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("bolt provider: path is required")
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bbolt.Open(filepath.Clean(cfg.Path), 0o600, &bbolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{valuesBucket, expiryBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (p *Bolt) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		out     []byte
		expired bool
	)
	err := p.db.View(func(tx *bbolt.Tx) error {
		k := []byte(key)
		v := tx.Bucket(valuesBucket).Get(k)
		if v == nil {
			return nil
		}
		if exp := tx.Bucket(expiryBucket).Get(k); len(exp) == 8 {
			if time.Now().UnixNano() > int64(binary.BigEndian.Uint64(exp)) {
				expired = true
				return nil
			}
		}
		// bbolt values are only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		_ = p.Del(ctx, key)
		return nil, false, nil
	}
	return out, out != nil, nil
}

func (p *Bolt) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := p.db.Update(func(tx *bbolt.Tx) error {
		k := []byte(key)
		if err := tx.Bucket(valuesBucket).Put(k, value); err != nil {
			return err
		}
		exp := tx.Bucket(expiryBucket)
		if ttl <= 0 {
			return exp.Delete(k)
		}
		var u8 [8]byte
		binary.BigEndian.PutUint64(u8[:], uint64(time.Now().Add(ttl).UnixNano()))
		return exp.Put(k, u8[:])
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Bolt) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		k := []byte(key)
		if err := tx.Bucket(valuesBucket).Delete(k); err != nil {
			return err
		}
		return tx.Bucket(expiryBucket).Delete(k)
	})
}

func (p *Bolt) DelPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := p.db.Update(func(tx *bbolt.Tx) error {
		pfx := []byte(prefix)
		values := tx.Bucket(valuesBucket)
		exp := tx.Bucket(expiryBucket)

		// collect first: deleting while iterating skips keys in bbolt
		var keys [][]byte
		c := values.Cursor()
		for k, _ := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := values.Delete(k); err != nil {
				return err
			}
			if err := exp.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, err
}

func (p *Bolt) Close(context.Context) error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
