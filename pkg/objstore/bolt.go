package objstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

var boltObjects = []byte("objects")

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path     string
	NoSync   bool
	Timeout  time.Duration
	PageSize int
}

// Bolt persists objects in a single BoltDB file. It gives the block store a
// durable local backend with the same listing contract as a remote one.
type Bolt struct {
	db       *bolt.DB
	pageSize int
}

// NewBolt opens (creating if needed) the database file. The container
// itself starts absent; CreateBucket or the first Put materialises it.
func NewBolt(cfg BoltConfig) (*Bolt, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "NewBolt", "path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "NewBolt", cfg.Path, err)
	}
	return &Bolt{db: db, pageSize: cfg.PageSize}, nil
}

// Close releases the database file.
func (b *Bolt) Close() error { return b.db.Close() }

func (b *Bolt) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(boltObjects)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), data)
	})
}

func (b *Bolt) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltObjects)
		if bkt == nil {
			return xerrors.E(xerrors.KindNotFound, "Get", key)
		}
		v := bkt.Get([]byte(key))
		if v == nil {
			return xerrors.E(xerrors.KindNotFound, "Get", key)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Bolt) Head(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltObjects)
		if bkt == nil {
			return xerrors.E(xerrors.KindNotFound, "Head", key)
		}
		if key == "" {
			return nil
		}
		if bkt.Get([]byte(key)) == nil {
			return xerrors.E(xerrors.KindNotFound, "Head", key)
		}
		return nil
	})
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltObjects)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

func (b *Bolt) List(ctx context.Context, prefix, marker string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := &Page{Objects: []Object{}}
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boltObjects)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var k, v []byte
		if marker != "" && marker >= prefix {
			k, v = c.Seek([]byte(marker))
			if k != nil && string(k) == marker {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek([]byte(prefix))
		}
		for ; k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			if len(page.Objects) == b.pageSize {
				page.Truncated = true
				break
			}
			page.Objects = append(page.Objects, Object{Key: string(k), Size: int64(len(v))})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (b *Bolt) CreateBucket(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltObjects)
		return err
	})
}
