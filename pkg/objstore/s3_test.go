package objstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

func newFakeS3(t *testing.T, maxKeys int) *S3 {
	t.Helper()
	faker := gofakes3.New(s3mem.New())
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)

	client, err := NewS3(S3Config{
		Endpoint:  server.URL,
		Bucket:    "blocks",
		Region:    "us-east-1",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "SECRET",
		Client:    server.Client(),
		MaxKeys:   maxKeys,
	})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	return client
}

func TestS3Conformance(t *testing.T) {
	client := newFakeS3(t, 0)
	if err := client.CreateBucket(context.Background()); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	clientConformance(t, client)
}

func TestS3Listing(t *testing.T) {
	client := newFakeS3(t, 3)
	if err := client.CreateBucket(context.Background()); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	listConformance(t, client)
}

func TestS3Cancelled(t *testing.T) {
	cancelledConformance(t, newFakeS3(t, 0))
}

func TestS3ContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3(t, 0)
	if err := client.Head(ctx, ""); !xerrors.IsNotFound(err) {
		t.Fatalf("head before create: got %v, want not found", err)
	}
	if err := client.CreateBucket(ctx); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	if err := client.Head(ctx, ""); err != nil {
		t.Fatalf("head after create: %v", err)
	}
	// Creating an existing bucket stays idempotent.
	if err := client.CreateBucket(ctx); err != nil {
		t.Fatalf("re-create bucket: %v", err)
	}
}

func TestS3ConstructionErrors(t *testing.T) {
	if _, err := NewS3(S3Config{Endpoint: "http://x", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
	if _, err := NewS3(S3Config{Bucket: "b", Region: "r", AccessKey: "a", SecretKey: "s"}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
	if _, err := NewS3(S3Config{Endpoint: "http://x", Region: "r", AccessKey: "a", SecretKey: "s"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

func TestS3ForbiddenClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer server.Close()
	client, err := NewS3(S3Config{
		Endpoint:  server.URL,
		Bucket:    "blocks",
		Region:    "us-east-1",
		AccessKey: "a",
		SecretKey: "s",
		Client:    server.Client(),
	})
	if err != nil {
		t.Fatalf("new s3 client: %v", err)
	}
	if err := client.Head(context.Background(), "k"); xerrors.KindOf(err) != xerrors.KindPermission {
		t.Fatalf("head against 403: got %v, want KindPermission", err)
	}
	if _, err := client.Get(context.Background(), "k"); xerrors.KindOf(err) != xerrors.KindPermission {
		t.Fatalf("get against 403: got %v, want KindPermission", err)
	}
}

func TestSigV4AddsAuthorization(t *testing.T) {
	signer := &sigV4{
		accessKey: "AKIAEXAMPLE",
		secretKey: "SECRET",
		region:    "us-east-1",
		now: func() time.Time {
			return time.Date(2023, 3, 10, 12, 0, 0, 0, time.UTC)
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/bucket/object", nil)
	req.Header.Set("x-amz-content-sha256", emptyPayloadHash())
	if err := signer.Sign(req, emptyPayloadHash()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256") {
		t.Fatalf("expected aws signature, got %s", auth)
	}
	if !strings.Contains(auth, "Credential=AKIAEXAMPLE/20230310/us-east-1/s3/aws4_request") {
		t.Fatalf("unexpected credential scope: %s", auth)
	}
}

func TestSigV4SessionToken(t *testing.T) {
	signer := &sigV4{accessKey: "ak", secretKey: "sk", region: "r", token: "tok"}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/bucket/object", nil)
	if err := signer.Sign(req, ""); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if req.Header.Get("x-amz-security-token") != "tok" {
		t.Fatalf("expected security token header")
	}
}
