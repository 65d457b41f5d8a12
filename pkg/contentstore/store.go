// Package contentstore implements the hash-indexed deduplication cache
// described in spec.md §4.B/§3.2: content_hash -> (job_id, result), backed
// by one JSON file per hash plus a key-value index rebuildable from those
// files.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/jx"
	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

// Record is the immutable value stored per content hash.
type Record struct {
	Hash       string    `json:"content_hash"`
	FirstJobID string    `json:"first_job_id"`
	ResultText string    `json:"result_text"`
	StoredAt   time.Time `json:"stored_at"`
}

// Stats summarizes the store's contents, exposed via pkg/metrics gauges.
type Stats struct {
	EntryCount int
	TotalBytes int64
}

// Store is a write-once, concurrency-safe content cache.
type Store struct {
	root string
	log  logrus.FieldLogger

	mu    sync.RWMutex
	index map[string]Record
}

// New constructs a Store rooted at dir, rebuilding its index from disk.
func New(dir string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create content store directory")
	}
	s := &Store{root: dir, log: log, index: make(map[string]Record)}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) pathFor(hash string) string {
	if len(hash) < 4 {
		hash = hash + "0000"
	}
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash+".json")
}

// rebuildIndex is deterministic: given the same files on disk it always
// reproduces the same in-memory index (spec.md §4.B invariant).
func (s *Store) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "read content record")
		}
		rec, err := decodeRecord(data)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Warn("skipping corrupt content record")
			return nil
		}
		s.index[rec.Hash] = rec
		return nil
	})
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	d := jx.DecodeBytes(data)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "content_hash":
			v, err := d.Str()
			rec.Hash = v
			return err
		case "first_job_id":
			v, err := d.Str()
			rec.FirstJobID = v
			return err
		case "result_text":
			v, err := d.Str()
			rec.ResultText = v
			return err
		case "stored_at":
			v, err := d.Str()
			if err != nil {
				return err
			}
			t, err := time.Parse(time.RFC3339Nano, v)
			rec.StoredAt = t
			return err
		default:
			return d.Skip()
		}
	})
	return rec, err
}

func encodeRecord(rec Record) []byte {
	e := jx.Encoder{}
	e.ObjStart()
	e.FieldStart("content_hash")
	e.Str(rec.Hash)
	e.FieldStart("first_job_id")
	e.Str(rec.FirstJobID)
	e.FieldStart("result_text")
	e.Str(rec.ResultText)
	e.FieldStart("stored_at")
	e.Str(rec.StoredAt.Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

// Hash computes the content hash used as the dedup key (spec.md §3.2).
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Put writes a content record write-once: a second Put for the same hash
// is a no-op that returns the first writer's record (spec.md §4.B,
// testable property 4).
func (s *Store) Put(ctx context.Context, hash, text, jobID string) (Record, error) {
	s.mu.Lock()
	if existing, ok := s.index[hash]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	rec := Record{Hash: hash, FirstJobID: jobID, ResultText: text, StoredAt: time.Now().UTC()}
	path := s.pathFor(hash)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Record{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create content shard directory")
	}

	// Idempotent concurrent writers: use O_EXCL so only the first writer
	// actually creates the file; a losing writer reads back what won.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return Record{}, apperrors.Wrap(rerr, apperrors.ErrorTypeStorage, "read existing content record")
			}
			existing, derr := decodeRecord(data)
			if derr != nil {
				return Record{}, apperrors.Wrap(derr, apperrors.ErrorTypeStorage, "decode existing content record")
			}
			s.mu.Lock()
			s.index[hash] = existing
			s.mu.Unlock()
			return existing, nil
		}
		return Record{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create content record file")
	}
	defer f.Close()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeRecord(rec), 0o644); err != nil {
		return Record{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "write content record")
	}
	if err := os.Rename(tmp, path); err != nil {
		return Record{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "rename content record into place")
	}

	s.mu.Lock()
	s.index[hash] = rec
	s.mu.Unlock()
	return rec, nil
}

// Get returns the record for hash, if any.
func (s *Store) Get(ctx context.Context, hash string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.index[hash]
	return rec, ok
}

// Stats reports the current size of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, rec := range s.index {
		total += int64(len(rec.ResultText))
	}
	return Stats{EntryCount: len(s.index), TotalBytes: total}
}
