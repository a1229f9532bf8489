// Package blockstore adapts a flat, prefix-searchable object store into a
// content-addressed block store keyed by CIDs.
package blockstore

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/sourcegraph/conc/pool"

	"github.com/jacktea/cidstore/pkg/objstore"
	"github.com/jacktea/cidstore/pkg/shard"
	"github.com/jacktea/cidstore/pkg/xerrors"
)

const defaultBatchWorkers = 4

// Block pairs an identifier with its bytes.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Pair is one element of a GetAll stream. A Pair carrying Err terminates
// the stream; a closed stream without one ended normally (or the caller's
// context was cancelled).
type Pair struct {
	Block
	Err error
}

// Config is resolved once by New and immutable afterwards.
type Config struct {
	// Client is the object-store capability blocks are written through.
	// The block store borrows it; the caller owns its lifecycle and may
	// share it across stores. Required.
	Client objstore.Client
	// Bucket names the container the client is scoped to. Required; used
	// for validation and error reporting.
	Bucket string
	// Prefix is an optional namespace prepended to every object key. A
	// trailing slash is added when missing.
	Prefix string
	// Strategy maps CIDs to object keys. Defaults to the next-to-last
	// prefix shard with its own defaults.
	Strategy shard.Strategy
	// CreateIfMissing lets Open create the container instead of failing
	// when the probe reports it absent.
	CreateIfMissing bool
	// BatchWorkers bounds the concurrency of PutMany/GetMany. Defaults
	// to 4.
	BatchWorkers int
}

// Blockstore implements content-addressed block storage over an object
// store. It holds no mutable state of its own: every operation consults the
// remote store directly, so all methods are safe for concurrent use and the
// backing store's consistency model governs concurrent writes to one key.
type Blockstore struct {
	client          objstore.Client
	bucket          string
	prefix          string
	strategy        shard.Strategy
	createIfMissing bool
	workers         int
}

// New validates cfg and builds a store.
func New(cfg Config) (*Blockstore, error) {
	if cfg.Client == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "New", "an object store client is required")
	}
	if cfg.Bucket == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "New", "a bucket name is required")
	}
	strategy := cfg.Strategy
	if strategy == nil {
		var err error
		strategy, err = shard.NewNextToLast(shard.Config{})
		if err != nil {
			return nil, err
		}
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	workers := cfg.BatchWorkers
	if workers <= 0 {
		workers = defaultBatchWorkers
	}
	return &Blockstore{
		client:          cfg.Client,
		bucket:          cfg.Bucket,
		prefix:          prefix,
		strategy:        strategy,
		createIfMissing: cfg.CreateIfMissing,
		workers:         workers,
	}, nil
}

func (b *Blockstore) key(c cid.Cid) string {
	return b.prefix + b.strategy.Encode(c)
}

// Put writes data under c's shard path. Failures are reported as
// KindWriteFailed wrapping the cause, except cancellation, which passes
// through so callers can still branch on it. Returns c on success so calls
// chain.
func (b *Blockstore) Put(ctx context.Context, c cid.Cid, data []byte) (cid.Cid, error) {
	key := b.key(c)
	if err := b.client.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		if xerrors.IsCancelled(err) {
			return cid.Undef, err
		}
		return cid.Undef, xerrors.Wrap(xerrors.KindWriteFailed, "Put", key, err)
	}
	return c, nil
}

// Get reads the block for c, draining whatever body shape the client hands
// back into one byte slice. Missing keys surface as KindNotFound; every
// other failure propagates exactly as the client reported it.
func (b *Blockstore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	rc, err := b.client.Get(ctx, b.key(c))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Has probes for c. Both a missing key and a denied probe answer false:
// access policies without list permission report 403 where 404 is meant,
// and this store cannot tell the two apart, so it deliberately treats both
// as "not present". Other failures propagate.
func (b *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	err := b.client.Head(ctx, b.key(c))
	if err == nil {
		return true, nil
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindPermission:
		return false, nil
	}
	return false, err
}

// Delete removes the block for c. Deleting an absent block succeeds.
// Failures are reported as KindDeleteFailed wrapping the cause, except
// cancellation, which passes through.
func (b *Blockstore) Delete(ctx context.Context, c cid.Cid) error {
	key := b.key(c)
	if err := b.client.Delete(ctx, key); err != nil {
		if xerrors.IsCancelled(err) {
			return err
		}
		return xerrors.Wrap(xerrors.KindDeleteFailed, "Delete", key, err)
	}
	return nil
}

// Open probes the container root. A reachable container succeeds silently;
// a missing one is created when CreateIfMissing is set and is KindOpenFailed
// otherwise, as is any probe failure that is neither success nor a
// recognized "missing" status.
func (b *Blockstore) Open(ctx context.Context) error {
	err := b.client.Head(ctx, "")
	if err == nil {
		return nil
	}
	if xerrors.IsNotFound(err) {
		if b.createIfMissing {
			if cerr := b.client.CreateBucket(ctx); cerr != nil {
				return xerrors.Wrap(xerrors.KindOpenFailed, "Open", b.bucket, cerr)
			}
			return nil
		}
		return xerrors.Wrap(xerrors.KindOpenFailed, "Open", b.bucket, err)
	}
	return xerrors.Wrap(xerrors.KindOpenFailed, "Open", b.bucket, err)
}

// GetAll walks the whole store as one lazy sequence, transparently following
// the client's listing pages. Each call is an independent walk. A decode or
// read failure aborts the walk with a terminal error Pair; cancellation is
// checked once per page and ends the stream cleanly.
func (b *Blockstore) GetAll(ctx context.Context) <-chan Pair {
	out := make(chan Pair)
	go func() {
		defer close(out)
		marker := ""
		for {
			if ctx.Err() != nil {
				return
			}
			page, err := b.client.List(ctx, b.prefix, marker)
			if err != nil {
				if xerrors.IsCancelled(err) {
					return
				}
				b.emit(ctx, out, Pair{Err: err})
				return
			}
			if page.Objects == nil {
				b.emit(ctx, out, Pair{Err: xerrors.E(xerrors.KindProtocol, "GetAll", b.prefix)})
				return
			}
			for _, obj := range page.Objects {
				c, err := b.strategy.Decode(obj.Key)
				if err != nil {
					b.emit(ctx, out, Pair{Err: err})
					return
				}
				data, err := b.Get(ctx, c)
				if err != nil {
					if xerrors.IsCancelled(err) {
						return
					}
					b.emit(ctx, out, Pair{Err: err})
					return
				}
				if !b.emit(ctx, out, Pair{Block: Block{CID: c, Data: data}}) {
					return
				}
			}
			if !page.Truncated {
				return
			}
			marker = page.NextMarker
			if marker == "" {
				if len(page.Objects) == 0 {
					// Truncated but no object to resume from.
					b.emit(ctx, out, Pair{Err: xerrors.E(xerrors.KindProtocol, "GetAll", b.prefix)})
					return
				}
				marker = page.Objects[len(page.Objects)-1].Key
			}
		}
	}()
	return out
}

func (b *Blockstore) emit(ctx context.Context, out chan<- Pair, p Pair) bool {
	select {
	case out <- p:
		return true
	case <-ctx.Done():
		return false
	}
}

// PutMany writes blocks with bounded concurrency, stopping at the first
// failure.
func (b *Blockstore) PutMany(ctx context.Context, blocks []Block) error {
	p := pool.New().WithMaxGoroutines(b.workers).WithContext(ctx).WithCancelOnError()
	for _, blk := range blocks {
		blk := blk
		p.Go(func(ctx context.Context) error {
			_, err := b.Put(ctx, blk.CID, blk.Data)
			return err
		})
	}
	return p.Wait()
}

// GetMany reads the given identifiers with bounded concurrency, preserving
// input order in the result.
func (b *Blockstore) GetMany(ctx context.Context, cids []cid.Cid) ([]Block, error) {
	blocks := make([]Block, len(cids))
	p := pool.New().WithMaxGoroutines(b.workers).WithContext(ctx).WithCancelOnError()
	for i, c := range cids {
		i, c := i, c
		p.Go(func(ctx context.Context) error {
			data, err := b.Get(ctx, c)
			if err != nil {
				return err
			}
			blocks[i] = Block{CID: c, Data: data}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}
