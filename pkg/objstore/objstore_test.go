package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

// clientConformance runs the behaviour every backend must share. The client
// is expected to be empty and its container already created.
func clientConformance(t *testing.T, client Client) {
	t.Helper()
	ctx := context.Background()

	if err := client.Head(ctx, ""); err != nil {
		t.Fatalf("head container root: %v", err)
	}
	if err := client.Head(ctx, "absent/key.data"); !xerrors.IsNotFound(err) {
		t.Fatalf("head of missing key: got %v, want not found", err)
	}
	if _, err := client.Get(ctx, "absent/key.data"); !xerrors.IsNotFound(err) {
		t.Fatalf("get of missing key: got %v, want not found", err)
	}
	if err := client.Delete(ctx, "absent/key.data"); err != nil {
		t.Fatalf("delete of missing key should be silent: %v", err)
	}

	if err := client.Put(ctx, "aa/one.data", strings.NewReader("one"), 3); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := client.Head(ctx, "aa/one.data"); err != nil {
		t.Fatalf("head after put: %v", err)
	}
	rc, err := client.Get(ctx, "aa/one.data")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "one" {
		t.Fatalf("get body = %q, want %q", body, "one")
	}

	// Overwrite is a plain replace.
	if err := client.Put(ctx, "aa/one.data", strings.NewReader("uno"), 3); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	rc, err = client.Get(ctx, "aa/one.data")
	if err != nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	body, _ = io.ReadAll(rc)
	rc.Close()
	if string(body) != "uno" {
		t.Fatalf("get body = %q, want %q", body, "uno")
	}

	if err := client.Delete(ctx, "aa/one.data"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.Head(ctx, "aa/one.data"); !xerrors.IsNotFound(err) {
		t.Fatalf("head after delete: got %v, want not found", err)
	}
}

// listConformance checks paged listing with a page size of 3 against nine
// keys under one prefix plus a decoy outside it.
func listConformance(t *testing.T, client Client) {
	t.Helper()
	ctx := context.Background()

	var want []string
	for i := 0; i < 9; i++ {
		key := fmt.Sprintf("blocks/%02d.data", i)
		want = append(want, key)
		if err := client.Put(ctx, key, bytes.NewReader([]byte{byte(i)}), 1); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := client.Put(ctx, "other/decoy.data", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("put decoy: %v", err)
	}

	var got []string
	marker := ""
	pages := 0
	for {
		page, err := client.List(ctx, "blocks/", marker)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if page.Objects == nil {
			t.Fatalf("list page has nil objects")
		}
		pages++
		if pages > 10 {
			t.Fatalf("listing did not terminate")
		}
		for _, obj := range page.Objects {
			got = append(got, obj.Key)
		}
		if !page.Truncated {
			break
		}
		marker = page.NextMarker
		if marker == "" && len(page.Objects) > 0 {
			marker = page.Objects[len(page.Objects)-1].Key
		}
	}
	if pages < 3 {
		t.Fatalf("expected at least 3 pages with page size 3, got %d", pages)
	}
	if len(got) != len(want) {
		t.Fatalf("listed %d keys, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("key %d = %q, want %q", i, got[i], want[i])
		}
	}

	// An empty prefix scope is an empty page, not an error.
	page, err := client.List(ctx, "nothing-here/", "")
	if err != nil {
		t.Fatalf("list empty prefix: %v", err)
	}
	if page.Objects == nil || len(page.Objects) != 0 || page.Truncated {
		t.Fatalf("expected empty untruncated page, got %+v", page)
	}
}

func cancelledConformance(t *testing.T, client Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.Put(ctx, "k", strings.NewReader("v"), 1); !xerrors.IsCancelled(err) {
		t.Fatalf("put with cancelled ctx: got %v", err)
	}
	if _, err := client.Get(ctx, "k"); !xerrors.IsCancelled(err) {
		t.Fatalf("get with cancelled ctx: got %v", err)
	}
	if err := client.Head(ctx, "k"); !xerrors.IsCancelled(err) {
		t.Fatalf("head with cancelled ctx: got %v", err)
	}
	if err := client.Delete(ctx, "k"); !xerrors.IsCancelled(err) {
		t.Fatalf("delete with cancelled ctx: got %v", err)
	}
	if _, err := client.List(ctx, "", ""); !xerrors.IsCancelled(err) {
		t.Fatalf("list with cancelled ctx: got %v", err)
	}
}
