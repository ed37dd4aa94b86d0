package storageindex

import (
	"path/filepath"
	"testing"
)

type peerRecord struct {
	ShortID  string `json:"short_id"`
	AddedAt  int64  `json:"added_at"`
	Comment  string `json:"comment,omitempty"`
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(ix.Keys("")) != 0 {
		t.Errorf("expected empty index, got %d keys", len(ix.Keys("")))
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ix, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := peerRecord{ShortID: "abc123", AddedAt: 42, Comment: "laptop"}
	if err := ix.Put("peer/abc123", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got peerRecord
	ok, err := ix.Get("peer/abc123", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get: key not found")
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestGetMissingKey(t *testing.T) {
	dir := t.TempDir()
	ix, _ := Open(filepath.Join(dir, "index.db"))

	var out peerRecord
	ok, err := ix.Get("nope", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected key not found")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	dir := t.TempDir()
	ix, _ := Open(filepath.Join(dir, "index.db"))

	if err := ix.Put("a", peerRecord{ShortID: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ix.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var out peerRecord
	ok, _ := ix.Get("a", &out)
	if ok {
		t.Error("expected key to be gone after Delete")
	}
}

func TestKeysFiltersByPrefix(t *testing.T) {
	dir := t.TempDir()
	ix, _ := Open(filepath.Join(dir, "index.db"))

	ix.Put("peer/1", peerRecord{ShortID: "1"})
	ix.Put("peer/2", peerRecord{ShortID: "2"})
	ix.Put("iface/1", peerRecord{ShortID: "x"})

	keys := ix.Keys("peer/")
	if len(keys) != 2 {
		t.Fatalf("Keys(peer/) = %v, want 2 entries", keys)
	}
	if keys[0] != "peer/1" || keys[1] != "peer/2" {
		t.Errorf("Keys(peer/) = %v, want sorted [peer/1 peer/2]", keys)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	ix1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ix1.Put("k", peerRecord{ShortID: "persisted"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ix2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var out peerRecord
	ok, err := ix2.Get("k", &out)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !ok || out.ShortID != "persisted" {
		t.Errorf("Get after reopen = %+v, ok=%v, want persisted record", out, ok)
	}
}
