package blobstore

import (
	"bytes"
	"context"
	"sync"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	content := []byte("interface document snapshot bytes")

	ref, err := store.Put(context.Background(), content)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := store.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() = %q, want %q", got, content)
	}
}

func TestPutIsContentAddressed(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	content := []byte("same bytes")

	ref1, err := store.Put(context.Background(), content)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ref2, err := store.Put(context.Background(), content)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ref1.String() != ref2.String() {
		t.Fatal("identical content produced different references")
	}
}

func TestConcurrentPutIsIdempotent(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	content := []byte("concurrently written content")

	const n = 16
	refs := make([]BlobRef, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ref, err := store.Put(context.Background(), content)
			if err != nil {
				t.Errorf("Put() error = %v", err)
				return
			}
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if refs[i].String() != refs[0].String() {
			t.Fatalf("concurrent Put produced divergent refs: %s vs %s", refs[0], refs[i])
		}
	}

	got, err := store.Get(context.Background(), refs[0])
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() = %q, want %q", got, content)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ref, err := RefForContent([]byte("never stored"))
	if err != nil {
		t.Fatalf("RefForContent() error = %v", err)
	}
	if _, err := store.Get(context.Background(), ref); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestExistsAndSize(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	content := []byte("twelve bytes")
	ref, err := store.Put(context.Background(), content)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !store.Exists(ref) {
		t.Fatal("Exists() = false, want true after Put")
	}
	size, err := store.Size(ref)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("Size() = %d, want %d", size, len(content))
	}
}

func TestRefBytesRoundTrip(t *testing.T) {
	ref, err := RefForContent([]byte("round trip me"))
	if err != nil {
		t.Fatalf("RefForContent() error = %v", err)
	}
	parsed, err := RefFromBytes(ref.Bytes())
	if err != nil {
		t.Fatalf("RefFromBytes() error = %v", err)
	}
	if parsed.String() != ref.String() {
		t.Fatal("ref round trip mismatch")
	}
}

func TestGCRemovesUnreferenced(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	keepRef, err := store.Put(context.Background(), []byte("keep me"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	dropRef, err := store.Put(context.Background(), []byte("drop me"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	keep := map[string]struct{}{keepRef.String(): {}}
	removed, err := store.GC(keep)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("GC() removed = %d, want 1", removed)
	}
	if !store.Exists(keepRef) {
		t.Fatal("GC() removed a referenced blob")
	}
	if store.Exists(dropRef) {
		t.Fatal("GC() left an unreferenced blob behind")
	}
}

func TestRedundancyEncodeReconstruct(t *testing.T) {
	content := bytes.Repeat([]byte("redundant data block "), 1000)
	rs, err := Encode(content, 4, 2)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Drop up to parityShards shards and confirm reconstruction still works.
	rs.Shards[0] = nil
	rs.Shards[1] = nil

	got, err := Reconstruct(rs)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("Reconstruct() did not recover the original content")
	}
}
