package main

import (
	"path/filepath"
	"testing"
)

func TestBuildClientMem(t *testing.T) {
	client, cleanup, err := buildClient("mem", storageOptions{Bucket: "blocks"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatalf("expected memory client")
	}
	if cleanup != nil {
		t.Fatalf("memory client needs no cleanup")
	}
}

func TestBuildClientS3Validation(t *testing.T) {
	if _, _, err := buildClient("s3", storageOptions{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBuildClientS3Success(t *testing.T) {
	client, _, err := buildClient("s3", storageOptions{
		Endpoint:  "https://s3.example.com",
		Bucket:    "blocks",
		Region:    "us-east-1",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatalf("expected s3 client")
	}
}

func TestBuildClientBolt(t *testing.T) {
	client, cleanup, err := buildClient("bolt", storageOptions{
		Bucket: "blocks",
		DBPath: filepath.Join(t.TempDir(), "blocks.db"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleanup == nil {
		t.Fatalf("bolt client needs a cleanup")
	}
	defer cleanup()
	if client == nil {
		t.Fatalf("expected bolt client")
	}
}

func TestBuildClientUnknown(t *testing.T) {
	if _, _, err := buildClient("tape", storageOptions{}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestBuildStrategy(t *testing.T) {
	s, err := buildStrategy(shardOptions{Extension: ".data", PrefixLength: 2, Encoding: "base32upper"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil {
		t.Fatalf("expected strategy")
	}
	if _, err := buildStrategy(shardOptions{Encoding: "no-such-base"}); err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
}

func TestBuildStrategyFlat(t *testing.T) {
	s, err := buildStrategy(shardOptions{Encoding: "base32padupper", Flat: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil {
		t.Fatalf("expected flat strategy")
	}
}
