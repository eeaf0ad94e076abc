/*
Package store provides the embedded key-value persistence used by the
mesh runtime: the node keeps its persisted permission grants here.
Routing-table entries and configuration are not stored. File-level
share metadata is handled separately by fileshare's own per-file JSON
records.
*/
package store

import (
	"encoding/json"
	"time"
)

// Store is the key-value persistence interface shared by every
// backend in this package.
type Store interface {
	// Set stores the key/value pair, overwriting any existing value.
	Set(key []byte, data []byte) error

	// SetExpire stores the key/value pair and makes it eligible for
	// removal by ExpireKeys once expiration has passed. Overwriting an
	// existing key replaces both its value and expiration.
	SetExpire(key []byte, data []byte, expiration time.Time) error

	// Get returns the value for key, if present. A key whose expiration
	// has passed stays readable until ExpireKeys removes it.
	Get(key []byte) (data []byte, found bool)

	// Delete removes a key/value pair.
	Delete(key []byte)

	// ExpireKeys deletes every key whose expiration has passed. node.go
	// calls this on a timer; a backend used outside that lifecycle must
	// call it periodically itself.
	ExpireKeys()

	// Close releases any underlying resources (file handles, etc).
	Close() error
}

// PutJSON is a convenience wrapper that marshals v and stores it under
// key.
func PutJSON(s Store, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, data)
}

// PutJSONExpire is PutJSON's time-limited counterpart: it marshals v
// and stores it under key via SetExpire, so ExpireKeys reclaims it
// once expiration passes.
func PutJSONExpire(s Store, key []byte, v interface{}, expiration time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetExpire(key, data, expiration)
}

// GetJSON retrieves the value under key and unmarshals it into out. It
// returns found=false without error if the key does not exist.
func GetJSON(s Store, key []byte, out interface{}) (found bool, err error) {
	data, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}
