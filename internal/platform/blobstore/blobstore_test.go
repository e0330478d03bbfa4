package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func readAll(t *testing.T, store BlobStore, key string) string {
	t.Helper()
	rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %q: %v", key, err)
	}
	return string(data)
}

func stores(t *testing.T) map[string]BlobStore {
	t.Helper()
	fs, err := NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobStore: %v", err)
	}
	return map[string]BlobStore{
		"memory": NewInMemoryBlobStore(),
		"file":   fs,
	}
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestBlobStore_PutGet(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := "MSH|^~\\&|LAB|HOSP|||20240115||ORU^R01|1|P|2.5.1"
			info, err := store.Put(context.Background(), "2024/01/15/abc.txt", "application/hl7-v2", strings.NewReader(content))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Key != "2024/01/15/abc.txt" {
				t.Errorf("expected key 2024/01/15/abc.txt, got %s", info.Key)
			}
			if info.Size != int64(len(content)) {
				t.Errorf("expected size %d, got %d", len(content), info.Size)
			}
			if len(info.Hash) != 64 {
				t.Errorf("expected sha256 hex hash, got %q", info.Hash)
			}
			if !strings.HasSuffix(info.URI, "2024/01/15/abc.txt") {
				t.Errorf("expected URI to end with key, got %s", info.URI)
			}
			if got := readAll(t, store, "2024/01/15/abc.txt"); got != content {
				t.Errorf("expected content %q, got %q", content, got)
			}
		})
	}
}

func TestBlobStore_Overwrite(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Put(ctx, "a.txt", "text/plain", strings.NewReader("one"))
			store.Put(ctx, "a.txt", "text/plain", strings.NewReader("two"))
			if got := readAll(t, store, "a.txt"); got != "two" {
				t.Errorf("expected overwritten content, got %q", got)
			}
		})
	}
}

func TestBlobStore_NotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Get(ctx, "missing.txt"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Get: expected ErrBlobNotFound, got %v", err)
			}
			if err := store.Delete(ctx, "missing.txt"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("Delete: expected ErrBlobNotFound, got %v", err)
			}
		})
	}
}

func TestBlobStore_Delete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Put(ctx, "x/y.txt", "text/plain", strings.NewReader("data"))
			if err := store.Delete(ctx, "x/y.txt"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := store.Get(ctx, "x/y.txt"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
			}
		})
	}
}

func TestBlobStore_List(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"2024/02/01/b.txt", "2024/01/15/a.txt", "2023/12/31/z.txt"} {
				if _, err := store.Put(ctx, k, "text/plain", strings.NewReader(k)); err != nil {
					t.Fatalf("Put(%q): %v", k, err)
				}
			}
			keys, err := store.List(ctx, "2024/")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(keys) != 2 {
				t.Fatalf("expected 2 keys, got %v", keys)
			}
			if keys[0] != "2024/01/15/a.txt" || keys[1] != "2024/02/01/b.txt" {
				t.Errorf("expected sorted keys, got %v", keys)
			}
		})
	}
}

func TestBlobStore_InvalidKey(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/etc/passwd", "../escape.txt", "a/../../b", "..", `a\b`} {
				_, err := store.Put(context.Background(), key, "text/plain", strings.NewReader("x"))
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Put(%q): expected ErrInvalidKey, got %v", key, err)
				}
			}
		})
	}
}

func TestCleanKey(t *testing.T) {
	got, err := CleanKey(" 2024//01/./15/a.txt ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "2024/01/15/a.txt" {
		t.Errorf("expected 2024/01/15/a.txt, got %s", got)
	}
}

func TestFileBlobStore_WritesUnderRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileBlobStore(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Put(context.Background(), "2024/01/15/abc.txt", "text/plain", strings.NewReader("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "2024", "01", "15", "abc.txt"))
	if err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "2024", "01", "15"))
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestNewFileBlobStore_EmptyRoot(t *testing.T) {
	if _, err := NewFileBlobStore(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestInMemoryBlobStore_ConcurrentPut(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := filepath.ToSlash(filepath.Join("c", string(rune('a'+i))+".txt"))
			if _, err := store.Put(context.Background(), key, "text/plain", strings.NewReader("x")); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()
	keys, _ := store.List(context.Background(), "c/")
	if len(keys) != 20 {
		t.Errorf("expected 20 keys, got %d", len(keys))
	}
}
