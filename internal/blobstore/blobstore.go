// Package blobstore implements a content-addressed, TTL-bounded on-disk
// cache for large binary payloads (screenshots, PDFs) returned by a
// playwright-mcp child. Writes are atomic (write-to-temp, then rename) so
// that a BlobRef is never observable before its bytes are durable, and a
// background sweeper removes expired records without disturbing readers
// that are already mid-flight.
//
// # Layout
//
// One file per blob named "<blobId>.<ext>" plus a sidecar "<blobId>.meta"
// JSON file recording createdAt, mimeType, sizeBytes, tags, and expiresAt.
// There is no separate index: directory listing is authoritative. Sweep
// tolerates a blob file with no sidecar by treating it as an orphan and
// deleting it after ttl.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oriys/pwproxy/internal/errkind"
	"github.com/oriys/pwproxy/internal/logging"
	"github.com/oriys/pwproxy/internal/metrics"
)

const (
	// DefaultMaxBytesPerBlob is the default per-blob size cap (500 MiB).
	DefaultMaxBytesPerBlob = 500 * 1024 * 1024
	// DefaultTTL is the default blob lifetime.
	DefaultTTL = 24 * time.Hour
	// DefaultSweepInterval is the default sweeper cadence.
	DefaultSweepInterval = 60 * time.Minute
	// DefaultInlineThresholdBytes is the cutoff used by the interceptor
	// (package intercept), exposed here since it is a Store configuration
	// concern.
	DefaultInlineThresholdBytes = 50 * 1024
)

// BlobRef is the identifier returned to the caller in place of raw bytes.
type BlobRef struct {
	BlobID    string    `json:"blobId"`
	MimeType  string    `json:"mimeType"`
	SizeBytes int       `json:"sizeBytes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// String renders the canonical "blob://<blobId>.<ext>" form.
func (r BlobRef) String() string {
	return fmt.Sprintf("blob://%s%s", r.BlobID, extForMime(r.MimeType))
}

// Blob is the materialized record returned by Get.
type Blob struct {
	Bytes     []byte
	MimeType  string
	SizeBytes int
	ExpiresAt time.Time
}

type sidecar struct {
	CreatedAt time.Time `json:"createdAt"`
	MimeType  string    `json:"mimeType"`
	SizeBytes int       `json:"sizeBytes"`
	Tags      []string  `json:"tags,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Archiver is invoked by the sweeper immediately before a tagged blob's
// file is deleted, giving it a chance to copy the bytes somewhere durable
// (e.g. S3 cold storage). A failure is logged and does not block the
// sweep — see internal/blobstore/archive.go for the default no-op and the
// S3-backed implementation.
type Archiver interface {
	Archive(ctx context.Context, blobID string, rec Blob, tags []string) error
}

// Config configures a Store.
type Config struct {
	RootDir              string
	MaxBytesPerBlob      int64
	TTL                  time.Duration
	SweepInterval        time.Duration
	InlineThresholdBytes int
	ArchiveTags          []string // tags that trigger Archiver.Archive before sweep deletion
	Archiver             Archiver
	Metrics              *metrics.Collectors
}

func (c *Config) setDefaults() {
	if c.MaxBytesPerBlob <= 0 {
		c.MaxBytesPerBlob = DefaultMaxBytesPerBlob
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.InlineThresholdBytes <= 0 {
		c.InlineThresholdBytes = DefaultInlineThresholdBytes
	}
	if c.Archiver == nil {
		c.Archiver = NoopArchiver{}
	}
}

// Store is a content-addressed, TTL-bounded on-disk blob cache.
//
// # Concurrency
//
// Store has no central lock: put allocates a fresh path per call (the
// blobId already encodes a timestamp + content digest, so collisions
// across concurrent puts are not a concern), get reads whatever the
// filesystem currently has, and the sweeper's delete races are resolved
// by get simply returning NotFound if the file disappeared mid-read. A
// small mutex (seqMu) only protects the monotonic per-process tie-breaker
// counter used to avoid blobId collisions within the same wall-clock
// second.
type Store struct {
	cfg Config

	seqMu  sync.Mutex
	seqCtr uint32

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a Store rooted at cfg.RootDir, creating the directory if
// necessary, and starts the background sweeper loop.
func New(cfg Config) (*Store, error) {
	cfg.setDefaults()
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("blobstore: RootDir is required")
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root dir: %w", err)
	}
	s := &Store{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the background sweeper. It does not delete any blobs.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// Put writes bytes to the store under a freshly allocated blobId and
// returns its BlobRef. The write is atomic: a temp file is written and
// fsynced, then renamed into place, so no caller ever observes a partial
// blob file.
func (s *Store) Put(ctx context.Context, data []byte, mime string, tags []string) (BlobRef, error) {
	if int64(len(data)) > s.cfg.MaxBytesPerBlob {
		return BlobRef{}, fmt.Errorf("blobstore: %d bytes exceeds cap %d: %w", len(data), s.cfg.MaxBytesPerBlob, errkind.ErrTooLarge)
	}

	blobID := s.newBlobID(data)
	ext := extForMime(mime)
	now := time.Now()
	expiresAt := now.Add(s.cfg.TTL)

	finalPath := filepath.Join(s.cfg.RootDir, blobID+ext)
	metaPath := filepath.Join(s.cfg.RootDir, blobID+".meta")

	if err := writeAtomic(finalPath, data); err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: write blob: %w", err)
	}

	sc := sidecar{
		CreatedAt: now,
		MimeType:  mime,
		SizeBytes: len(data),
		Tags:      tags,
		ExpiresAt: expiresAt,
	}
	metaBytes, err := json.Marshal(sc)
	if err != nil {
		_ = os.Remove(finalPath)
		return BlobRef{}, fmt.Errorf("blobstore: marshal sidecar: %w", err)
	}
	if err := writeAtomic(metaPath, metaBytes); err != nil {
		_ = os.Remove(finalPath)
		return BlobRef{}, fmt.Errorf("blobstore: write sidecar: %w", err)
	}

	s.cfg.Metrics.IncBlobPut()
	logging.Op().Debug("blob stored", "blob_id", blobID, "mime", mime, "size", len(data))

	return BlobRef{
		BlobID:    blobID,
		MimeType:  mime,
		SizeBytes: len(data),
		ExpiresAt: expiresAt,
	}, nil
}

// Get reads a blob by id. It fails with errkind.ErrNotFound if the blob is
// absent, has no discoverable extension, or was already swept.
func (s *Store) Get(ctx context.Context, blobID string) (Blob, error) {
	sc, ok := s.readSidecar(blobID)
	if !ok {
		return Blob{}, fmt.Errorf("blobstore: blob %q: %w", blobID, errkind.ErrNotFound)
	}

	path := filepath.Join(s.cfg.RootDir, blobID+extForMime(sc.MimeType))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Blob{}, fmt.Errorf("blobstore: blob %q: %w", blobID, errkind.ErrNotFound)
		}
		return Blob{}, fmt.Errorf("blobstore: read blob: %w", err)
	}

	return Blob{
		Bytes:     data,
		MimeType:  sc.MimeType,
		SizeBytes: sc.SizeBytes,
		ExpiresAt: sc.ExpiresAt,
	}, nil
}

// List enumerates surviving blobs, optionally restricted to a blobId
// prefix and/or a set of tags (a blob matches if it carries any of the
// requested tags). Ordering is unspecified.
func (s *Store) List(ctx context.Context, prefix string, tags []string) ([]BlobRef, error) {
	entries, err := os.ReadDir(s.cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("blobstore: list: %w", err)
	}

	wantTags := map[string]struct{}{}
	for _, t := range tags {
		wantTags[t] = struct{}{}
	}

	seen := map[string]struct{}{}
	var out []BlobRef
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		blobID := strings.TrimSuffix(name, ".meta")
		if prefix != "" && !strings.HasPrefix(blobID, prefix) {
			continue
		}
		if _, dup := seen[blobID]; dup {
			continue
		}
		seen[blobID] = struct{}{}

		sc, ok := s.readSidecar(blobID)
		if !ok {
			continue
		}
		if len(wantTags) > 0 && !anyTagMatches(sc.Tags, wantTags) {
			continue
		}
		out = append(out, BlobRef{
			BlobID:    blobID,
			MimeType:  sc.MimeType,
			SizeBytes: sc.SizeBytes,
			ExpiresAt: sc.ExpiresAt,
		})
	}
	return out, nil
}

// Delete removes a blob's file and sidecar. It is idempotent: deleting an
// absent blob returns (false, nil) rather than an error.
func (s *Store) Delete(ctx context.Context, blobID string) (bool, error) {
	sc, ok := s.readSidecar(blobID)
	ext := ".bin"
	if ok {
		ext = extForMime(sc.MimeType)
	}
	path := filepath.Join(s.cfg.RootDir, blobID+ext)
	metaPath := filepath.Join(s.cfg.RootDir, blobID+".meta")

	removedAny := false
	if err := os.Remove(path); err == nil {
		removedAny = true
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("blobstore: delete blob: %w", err)
	}
	if err := os.Remove(metaPath); err == nil {
		removedAny = true
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("blobstore: delete sidecar: %w", err)
	}
	return removedAny, nil
}

func anyTagMatches(have []string, want map[string]struct{}) bool {
	for _, t := range have {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}

func (s *Store) readSidecar(blobID string) (sidecar, bool) {
	metaPath := filepath.Join(s.cfg.RootDir, blobID+".meta")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return sidecar{}, false
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return sidecar{}, false
	}
	return sc, true
}

// newBlobID encodes a 10-digit decimal wall-clock timestamp and a 12-hex
// content digest: "<ts>-<hex12>". A per-process sequence number is
// folded into the digest input so that two puts landing in the same
// wall-clock second never collide.
func (s *Store) newBlobID(data []byte) string {
	s.seqMu.Lock()
	s.seqCtr++
	seq := s.seqCtr
	s.seqMu.Unlock()

	ts := time.Now().Unix() % 10_000_000_000
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{byte(seq), byte(seq >> 8), byte(seq >> 16), byte(seq >> 24)})
	digest := hex.EncodeToString(h.Sum(nil))[:12]
	return fmt.Sprintf("%010d-%s", ts, digest)
}

func writeAtomic(finalPath string, data []byte) error {
	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

var mimeExt = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"video/webm":      ".webm",
	"application/json": ".json",
	"text/plain":      ".txt",
}

func extForMime(mime string) string {
	if ext, ok := mimeExt[mime]; ok {
		return ext
	}
	if idx := strings.Index(mime, "/"); idx >= 0 && idx+1 < len(mime) {
		sub := mime[idx+1:]
		if sub != "" && !strings.ContainsAny(sub, "/\\.") {
			return "." + sub
		}
	}
	return ".bin"
}

// sweepLoop runs sweepExpired on cfg.SweepInterval until Close is called.
func (s *Store) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.SweepExpired(context.Background())
			if err != nil {
				logging.Op().Warn("blob sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Op().Info("blob sweep complete", "removed", n)
			}
		}
	}
}

// SweepExpired removes every record whose expiresAt has passed, including
// orphan blob files with no sidecar (treated as expired once ttl has
// elapsed since the file's mtime). Safe to run concurrently with Put/Get:
// a Get that obtained the file handle before deletion completes normally;
// a Get issued after deletion sees errkind.ErrNotFound, never a partial
// read, because deletion only ever removes whole files.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.cfg.RootDir)
	if err != nil {
		return 0, fmt.Errorf("blobstore: sweep: %w", err)
	}

	now := time.Now()
	removed := 0
	var totalBytes int64

	metaByID := map[string]sidecar{}
	blobFiles := map[string]string{} // blobID -> filename
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".meta") {
			blobID := strings.TrimSuffix(name, ".meta")
			if sc, ok := s.readSidecar(blobID); ok {
				metaByID[blobID] = sc
			}
			continue
		}
		if strings.HasPrefix(name, ".tmp-") {
			continue
		}
		if dot := strings.LastIndex(name, "."); dot > 0 {
			blobID := name[:dot]
			blobFiles[blobID] = name
		}
	}

	for blobID, name := range blobFiles {
		sc, hasMeta := metaByID[blobID]
		expired := false
		if hasMeta {
			expired = sc.ExpiresAt.Before(now)
		} else {
			info, err := os.Stat(filepath.Join(s.cfg.RootDir, name))
			expired = err != nil || now.Sub(info.ModTime()) > s.cfg.TTL
		}
		if !expired {
			if hasMeta {
				totalBytes += int64(sc.SizeBytes)
			}
			continue
		}

		if hasMeta && len(s.cfg.ArchiveTags) > 0 && anyTagMatches(sc.Tags, tagSet(s.cfg.ArchiveTags)) {
			if data, err := os.ReadFile(filepath.Join(s.cfg.RootDir, name)); err == nil {
				if archErr := s.cfg.Archiver.Archive(ctx, blobID, Blob{
					Bytes: data, MimeType: sc.MimeType, SizeBytes: sc.SizeBytes, ExpiresAt: sc.ExpiresAt,
				}, sc.Tags); archErr != nil {
					logging.Op().Warn("blob archive failed", "blob_id", blobID, "error", archErr)
				}
			}
		}

		if err := os.Remove(filepath.Join(s.cfg.RootDir, name)); err == nil {
			removed++
		}
		_ = os.Remove(filepath.Join(s.cfg.RootDir, blobID+".meta"))
	}

	s.cfg.Metrics.SetBlobBytesStored(totalBytes)
	s.cfg.Metrics.AddBlobSwept(removed)
	return removed, nil
}

func tagSet(tags []string) map[string]struct{} {
	m := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		m[t] = struct{}{}
	}
	return m
}

// parseTimestampPrefix is a small helper used by tests to assert that two
// blobIds minted at different times differ.
func parseTimestampPrefix(blobID string) (int64, bool) {
	idx := strings.IndexByte(blobID, '-')
	if idx <= 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(blobID[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
