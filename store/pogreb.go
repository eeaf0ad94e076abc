package store

import (
	"encoding/binary"
	"io"
	"log"
	"sync"
	"time"

	"github.com/akrylysov/pogreb"
)

// expirePrefix namespaces the keys used to track expiration deadlines
// inside the same pogreb database as the data itself, avoiding a
// second on-disk file for what is otherwise tiny bookkeeping.
const expirePrefix = "\x00expire:"

// PogrebStore is a disk-backed key-value store using
// github.com/akrylysov/pogreb, an embedded store well suited to DHT
// persistence.
type PogrebStore struct {
	mu   sync.Mutex
	path string
	db   *pogreb.DB
}

// NewPogrebStore opens (creating if necessary) a pogreb database at
// path.
func NewPogrebStore(path string) (*PogrebStore, error) {
	pogreb.SetLogger(log.New(io.Discard, "", 0))

	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, err
	}
	return &PogrebStore{path: path, db: db}, nil
}

func (s *PogrebStore) Set(key []byte, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(key, data)
}

func (s *PogrebStore) SetExpire(key []byte, data []byte, expiration time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(key, data); err != nil {
		return err
	}
	return s.db.Put(expireKey(key), encodeExpiry(expiration))
}

func (s *PogrebStore) Get(key []byte) (data []byte, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, err := s.db.Get(key)
	if err != nil || value == nil {
		return nil, false
	}
	return value, true
}

func (s *PogrebStore) Delete(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.db.Delete(key)
	_ = s.db.Delete(expireKey(key))
}

// ExpireKeys scans the expiration namespace and deletes every
// key/value pair whose deadline has passed.
func (s *PogrebStore) ExpireKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	it := s.db.Items()
	var toDelete [][]byte
	for {
		k, v, err := it.Next()
		if err != nil {
			break // pogreb.ErrIterationDone or a real error; either way, stop
		}
		if len(k) < len(expirePrefix) || string(k[:len(expirePrefix)]) != expirePrefix {
			continue
		}
		if decodeExpiry(v).Before(now) {
			toDelete = append(toDelete, k[len(expirePrefix):])
		}
	}

	for _, key := range toDelete {
		_ = s.db.Delete(key)
		_ = s.db.Delete(expireKey(key))
	}
}

func (s *PogrebStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func expireKey(key []byte) []byte {
	out := make([]byte, 0, len(expirePrefix)+len(key))
	out = append(out, expirePrefix...)
	out = append(out, key...)
	return out
}

func encodeExpiry(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeExpiry(data []byte) time.Time {
	if len(data) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(data)))
}
