package objstore

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

func newTestBilly(t *testing.T, pageSize int) *Billy {
	t.Helper()
	b, err := NewBilly(BillyConfig{FS: memfs.New(), Dir: "bucket", PageSize: pageSize})
	if err != nil {
		t.Fatalf("new billy: %v", err)
	}
	return b
}

func TestBillyConformance(t *testing.T) {
	b := newTestBilly(t, 0)
	if err := b.CreateBucket(context.Background()); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	clientConformance(t, b)
}

func TestBillyListing(t *testing.T) {
	b := newTestBilly(t, 3)
	if err := b.CreateBucket(context.Background()); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	listConformance(t, b)
}

func TestBillyCancelled(t *testing.T) {
	cancelledConformance(t, newTestBilly(t, 0))
}

func TestBillyContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newTestBilly(t, 0)
	if err := b.Head(ctx, ""); !xerrors.IsNotFound(err) {
		t.Fatalf("head before create: got %v, want not found", err)
	}
	if err := b.CreateBucket(ctx); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	if err := b.Head(ctx, ""); err != nil {
		t.Fatalf("head after create: %v", err)
	}
}
