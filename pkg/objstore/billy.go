package objstore

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

// Billy stores objects as files under a directory of a billy.Filesystem:
// osfs for a real disk, memfs for tests. Keys map one-to-one onto file
// paths, so the bucket segment of a sharded key becomes a directory.
type Billy struct {
	fs       billy.Filesystem
	dir      string
	pageSize int
}

// BillyConfig configures the filesystem backend.
type BillyConfig struct {
	FS billy.Filesystem
	// Dir is the container directory inside FS. Defaults to ".".
	Dir      string
	PageSize int
}

// NewBilly wraps a billy filesystem. The container directory is not
// created; CreateBucket does that.
func NewBilly(cfg BillyConfig) (*Billy, error) {
	if cfg.FS == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "NewBilly", "filesystem is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Billy{fs: cfg.FS, dir: cfg.Dir, pageSize: cfg.PageSize}, nil
}

func (b *Billy) path(key string) string {
	return path.Join(b.dir, key)
}

func (b *Billy) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.fs.MkdirAll(path.Dir(b.path(key)), 0o755); err != nil {
		return err
	}
	tmp, err := b.fs.TempFile(b.dir, ".upload-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return err
	}
	if err := b.fs.Rename(tmpName, b.path(key)); err != nil {
		b.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (b *Billy) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := b.fs.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "Get", key, err)
		}
		return nil, err
	}
	return f, nil
}

func (b *Billy) Head(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := b.dir
	if key != "" {
		target = b.path(key)
	}
	if _, err := b.fs.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return xerrors.Wrap(xerrors.KindNotFound, "Head", key, err)
		}
		return err
	}
	return nil
}

func (b *Billy) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.fs.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *Billy) List(ctx context.Context, prefix, marker string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := util.Walk(b.fs, b.dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}
		key := strings.TrimPrefix(strings.TrimPrefix(p, b.dir), "/")
		if strings.HasPrefix(key, prefix) && key > marker {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(keys)

	page := &Page{Objects: []Object{}}
	if len(keys) > b.pageSize {
		page.Truncated = true
		keys = keys[:b.pageSize]
	}
	for _, k := range keys {
		info, err := b.fs.Stat(b.path(k))
		if err != nil {
			return nil, err
		}
		page.Objects = append(page.Objects, Object{Key: k, Size: info.Size()})
	}
	return page, nil
}

func (b *Billy) CreateBucket(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.MkdirAll(b.dir, 0o755)
}
