package registry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Hasher maps a client-supplied key to the form stored in the registry.
type Hasher func(key string) string

// PlainKeys stores keys as-is.
func PlainKeys(key string) string { return key }

// SaltedMD5 returns hex(md5(key + salt)), the digest existing project
// documents were written with.
func SaltedMD5(salt string) Hasher {
	return func(key string) string {
		sum := md5.Sum([]byte(key + salt))
		return hex.EncodeToString(sum[:])
	}
}

// KeyedBlake2b returns hex(blake2b-256 keyed with salt).
func KeyedBlake2b(salt string) (Hasher, error) {
	// Validate the key length once so the hasher itself cannot fail.
	if _, err := blake2b.New256([]byte(salt)); err != nil {
		return nil, fmt.Errorf("blake2b key: %w", err)
	}
	return func(key string) string {
		h, _ := blake2b.New256([]byte(salt))
		h.Write([]byte(key))
		return hex.EncodeToString(h.Sum(nil))
	}, nil
}

// NewHasher builds the Hasher for a configured scheme name.
func NewHasher(scheme, salt string) (Hasher, error) {
	switch scheme {
	case "", "none":
		return PlainKeys, nil
	case "md5":
		return SaltedMD5(salt), nil
	case "blake2b":
		return KeyedBlake2b(salt)
	default:
		return nil, fmt.Errorf("unknown key hash scheme %q", scheme)
	}
}

// Registry maps stored project keys to descriptors.
type Registry struct {
	projects map[string]*Project
	hash     Hasher
}

// New builds a registry from descriptors. Keys on the descriptors are the
// stored (already hashed) form. A nil hasher means PlainKeys.
func New(projects []*Project, hash Hasher) *Registry {
	if hash == nil {
		hash = PlainKeys
	}
	m := make(map[string]*Project, len(projects))
	for _, p := range projects {
		m[p.Key] = p
	}
	return &Registry{projects: m, hash: hash}
}

// Lookup resolves a client-supplied key.
func (r *Registry) Lookup(key string) (*Project, error) {
	if key == "" {
		return nil, ErrUnknownKey
	}
	p, ok := r.projects[r.hash(key)]
	if !ok {
		return nil, ErrUnknownKey
	}
	return p, nil
}

// StoredKey returns the registry form of a client key.
func (r *Registry) StoredKey(key string) string {
	return r.hash(key)
}

// Len returns the number of projects.
func (r *Registry) Len() int {
	return len(r.projects)
}
