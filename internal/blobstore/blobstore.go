// Package blobstore implements the content-addressed, immutable blob
// storage described in spec §4.3. A BlobRef wraps a CIDv1 built from a
// blake3 multihash over the blob's raw bytes; put is idempotent and
// crash-safe via a temp-file-then-rename sequence followed by directory
// fsync, and optional Reed-Solomon redundancy protects large blobs from
// partial disk corruption.
package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/klauspost/reedsolomon"
	"github.com/zeebo/blake3"
)

// InlineThreshold is the size of content counted as small. Store does
// not use it: Put writes every blob to its own file, whatever its size.
const InlineThreshold = 256

var (
	ErrNotFound     = errors.New("blobstore: blob not found")
	ErrHashMismatch = errors.New("blobstore: stored content does not match its reference")
)

// BlobRef is a content address: a CIDv1 over a blake3-256 digest.
type BlobRef struct {
	cid cid.Cid
}

// String returns the canonical textual form of the reference.
func (r BlobRef) String() string {
	if !r.cid.Defined() {
		return ""
	}
	return r.cid.String()
}

// Bytes returns the raw CID bytes, suitable for embedding on the wire.
func (r BlobRef) Bytes() []byte {
	return r.cid.Bytes()
}

// RefFromBytes parses a CID byte string previously produced by Bytes.
func RefFromBytes(b []byte) (BlobRef, error) {
	c, err := cid.Cast(b)
	if err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: parse ref: %w", err)
	}
	return BlobRef{cid: c}, nil
}

// RefForContent computes the reference a blob's bytes would receive,
// without storing anything. Two equal payloads always produce the same
// reference, which is what makes put idempotent.
func RefForContent(content []byte) (BlobRef, error) {
	digest := blake3.Sum256(content)
	encoded, err := mh.Encode(digest[:], mh.BLAKE3)
	if err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: encode multihash: %w", err)
	}
	return BlobRef{cid: cid.NewCidV1(cid.Raw, encoded)}, nil
}

// Store is a directory-backed content-addressed blob store. A Store is
// safe for concurrent use; concurrent Put of identical content is
// idempotent and never races with Get or a GC pass started after the
// Put's fsync completes.
type Store struct {
	dir string

	mu      sync.Mutex
	writing map[string]chan struct{} // in-flight puts, keyed by ref string
}

// Open creates a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", dir, err)
	}
	return &Store{dir: dir, writing: make(map[string]chan struct{})}, nil
}

func (s *Store) pathFor(ref BlobRef) string {
	name := ref.cid.String()
	// Two-level fan-out keeps any one directory from holding too many
	// entries once a store grows large: the shard directory is the first
	// byte of the content digest, as two hex characters.
	shard := "00"
	if dec, err := mh.Decode(ref.cid.Hash()); err == nil && len(dec.Digest) > 0 {
		shard = hex.EncodeToString(dec.Digest[:1])
	}
	return filepath.Join(s.dir, shard, name)
}

// Put stores content and returns its reference. If content already
// exists under its reference, Put is a no-op beyond the hash
// computation.
func (s *Store) Put(ctx context.Context, content []byte) (BlobRef, error) {
	ref, err := RefForContent(content)
	if err != nil {
		return BlobRef{}, err
	}

	done, first := s.claimWrite(ref)
	if !first {
		select {
		case <-done:
		case <-ctx.Done():
			return BlobRef{}, ctx.Err()
		}
		return ref, nil
	}
	defer s.releaseWrite(ref, done)

	path := s.pathFor(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "write-*")
	if err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return BlobRef{}, fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return BlobRef{}, fmt.Errorf("blobstore: fsync data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return BlobRef{}, fmt.Errorf("blobstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return BlobRef{}, fmt.Errorf("blobstore: rename into place: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: fsync directory: %w", err)
	}
	return ref, nil
}

// claimWrite registers this goroutine as the writer for ref, or returns
// the channel an already-in-flight write will close when done.
func (s *Store) claimWrite(ref BlobRef) (done chan struct{}, first bool) {
	key := ref.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.writing[key]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	s.writing[key] = ch
	return ch, true
}

func (s *Store) releaseWrite(ref BlobRef, done chan struct{}) {
	key := ref.String()
	s.mu.Lock()
	delete(s.writing, key)
	s.mu.Unlock()
	close(done)
}

// Get retrieves content by reference. It returns ErrNotFound if the
// blob is absent, and ErrHashMismatch if the stored bytes have been
// corrupted since write.
func (s *Store) Get(ctx context.Context, ref BlobRef) ([]byte, error) {
	path := s.pathFor(ref)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: read: %w", err)
	}
	got, err := RefForContent(content)
	if err != nil {
		return nil, err
	}
	if got.String() != ref.String() {
		return nil, ErrHashMismatch
	}
	return content, nil
}

// Exists reports whether a blob is present without reading its content.
func (s *Store) Exists(ref BlobRef) bool {
	_, err := os.Stat(s.pathFor(ref))
	return err == nil
}

// Size returns the byte length of a stored blob.
func (s *Store) Size(ref BlobRef) (int64, error) {
	info, err := os.Stat(s.pathFor(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// GC removes any stored blob whose reference is not present in keep. It
// holds the store's lock for the whole pass, so two passes never overlap
// and no Put can begin a new write while one runs. A blob whose Put is
// still in flight, and that Put's temporary file, are skipped; a blob
// whose Put completed before the pass and that is absent from keep is
// removed like any other.
func (s *Store) GC(keep map[string]struct{}) (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("blobstore: read root: %w", err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.dir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return removed, fmt.Errorf("blobstore: read shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if _, ok := keep[f.Name()]; ok {
				continue
			}
			if _, inFlight := s.writing[f.Name()]; inFlight || strings.HasPrefix(f.Name(), "write-") {
				continue
			}
			if err := os.Remove(filepath.Join(shardPath, f.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("blobstore: remove %s: %w", f.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// RedundancyShards describes a Reed-Solomon split of a large blob into
// data and parity shards, used for blobs above a size threshold where
// disk-level corruption of a single file would otherwise be fatal.
type RedundancyShards struct {
	DataShards   int
	ParityShards int
	Shards       [][]byte
	Size         int
}

// Encode splits content into data and parity shards.
func Encode(content []byte, dataShards, parityShards int) (RedundancyShards, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return RedundancyShards{}, fmt.Errorf("blobstore: new encoder: %w", err)
	}
	shards, err := enc.Split(content)
	if err != nil {
		return RedundancyShards{}, fmt.Errorf("blobstore: split: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return RedundancyShards{}, fmt.Errorf("blobstore: encode parity: %w", err)
	}
	return RedundancyShards{DataShards: dataShards, ParityShards: parityShards, Shards: shards, Size: len(content)}, nil
}

// Reconstruct rebuilds the original content from a possibly-partial
// shard set. Missing shards must be nil.
func Reconstruct(rs RedundancyShards) ([]byte, error) {
	enc, err := reedsolomon.New(rs.DataShards, rs.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("blobstore: new encoder: %w", err)
	}
	if err := enc.Reconstruct(rs.Shards); err != nil {
		return nil, fmt.Errorf("blobstore: reconstruct: %w", err)
	}
	var buf []byte
	w := &sliceWriter{buf: &buf}
	if err := enc.Join(w, rs.Shards, rs.Size); err != nil {
		return nil, fmt.Errorf("blobstore: join: %w", err)
	}
	return buf, nil
}

type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

var _ io.Writer = (*sliceWriter)(nil)
