package storage

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	ctx := context.Background()
	url, err := s.Write(ctx, "jobs/job-1/reference.png", []byte("pixels"), "image/png")
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if _, err := os.Stat(url); err != nil {
		t.Fatalf("returned URL must resolve to an existing file: %v", err)
	}

	data, err := s.Read(ctx, "jobs/job-1/reference.png")
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != "pixels" {
		t.Fatalf("unexpected blob contents: %q", data)
	}
}

func TestLocalStoreMissingBlob(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	_, err = s.Read(context.Background(), "jobs/none/reference.png")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	for _, key := range []string{"", "../outside", "/etc/passwd"} {
		if _, err := s.Write(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}
