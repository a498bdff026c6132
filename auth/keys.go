package auth

import (
	"errors"
	"sort"
	"sync"
)

// KeyProvider supplies the HMAC key set used to verify tokens
type KeyProvider interface {
	// Key returns the secret for a key id. An empty kid selects the primary key.
	Key(kid string) ([]byte, bool)
	// Primary returns the key id and secret used to sign new tokens
	Primary() (string, []byte)
}

// KeySet is an in-memory KeyProvider that supports rotation
type KeySet struct {
	mu      sync.RWMutex
	keys    map[string][]byte
	primary string
}

// ErrNoPrimaryKey is returned when the primary key id is absent from the set
var ErrNoPrimaryKey = errors.New("primary signing key not present in key set")

// NewKeySet creates a key set. primary must be one of the keys.
func NewKeySet(keys map[string][]byte, primary string) (*KeySet, error) {
	if _, ok := keys[primary]; !ok {
		return nil, ErrNoPrimaryKey
	}
	ks := &KeySet{keys: make(map[string][]byte, len(keys)), primary: primary}
	for kid, k := range keys {
		ks.keys[kid] = append([]byte(nil), k...)
	}
	return ks, nil
}

func (ks *KeySet) Key(kid string) ([]byte, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if kid == "" {
		kid = ks.primary
	}
	k, ok := ks.keys[kid]
	return k, ok
}

func (ks *KeySet) Primary() (string, []byte) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.primary, ks.keys[ks.primary]
}

// Rotate installs a new primary key and keeps the old one for verification
func (ks *KeySet) Rotate(kid string, secret []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[kid] = append([]byte(nil), secret...)
	ks.primary = kid
}

// Add installs a verification-only key. It refuses to replace the primary.
func (ks *KeySet) Add(kid string, secret []byte) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if kid == ks.primary {
		return false
	}
	ks.keys[kid] = append([]byte(nil), secret...)
	return true
}

// IDs returns the key ids in the set, sorted
func (ks *KeySet) IDs() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	ids := make([]string, 0, len(ks.keys))
	for kid := range ks.keys {
		ids = append(ids, kid)
	}
	sort.Strings(ids)
	return ids
}

// Retire removes a key id. The primary key cannot be retired.
func (ks *KeySet) Retire(kid string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if kid == ks.primary {
		return false
	}
	_, ok := ks.keys[kid]
	delete(ks.keys, kid)
	return ok
}
