// Package keystore persists and validates stream keys. Key material is
// never stored in plaintext: the storage key is a namespaced SHA-256
// hash of the opaque key, and the value is the JSON-encoded Info record.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Namespace prefixes for storage keys.
const (
	keyNamespace   = "streamkey:"
	aliasNamespace = "streamalias:"
)

// Sentinel errors returned by Validate and Store implementations.
var (
	ErrNotFound     = errors.New("keystore: key not found")
	ErrInactive     = errors.New("keystore: key is inactive")
	ErrExpired      = errors.New("keystore: key is expired")
	ErrIPNotAllowed = errors.New("keystore: ip not in allowlist")
)

// Info is the persisted record for one stream key.
type Info struct {
	UserID     string     `json:"userId"`
	StreamID   string     `json:"streamId"`
	IsActive   bool       `json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	AllowedIPs []string   `json:"allowedIps,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Store is the durable key-value backend for stream keys and aliases.
// Implementations are safe for concurrent use.
type Store interface {
	// Get returns the Info stored under the hash of key.
	Get(key string) (Info, error)
	// Put stores info under the hash of key.
	Put(key string, info Info) error
	// Delete removes the record for key.
	Delete(key string) error
	// Touch updates LastUsedAt for key to now.
	Touch(key string) error
	// CreateAlias maps a human-readable alias to the hash of key.
	CreateAlias(alias, key string) error
	// ResolveAlias returns the Info referenced by alias.
	ResolveAlias(alias string) (Info, string, error)
	// Close releases backend resources.
	Close() error
}

// HashKey returns the hex SHA-256 of the opaque key material. This is
// the only form in which the key touches storage.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey produces a new opaque stream key. ULIDs are sortable and
// URL-safe, which keeps keys usable as RTMP path segments.
func GenerateKey() string {
	return "sk_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Validate re-checks isActive, expiry, and the IP allowlist atomically
// against the current clock. All three conditions are evaluated on the
// same Info snapshot so a concurrent update cannot produce a mixed
// verdict.
func Validate(info Info, remoteIP string, now time.Time) error {
	if !info.IsActive {
		return ErrInactive
	}
	if info.ExpiresAt != nil && !info.ExpiresAt.After(now) {
		return ErrExpired
	}
	if len(info.AllowedIPs) > 0 {
		allowed := false
		for _, ip := range info.AllowedIPs {
			if ip == remoteIP {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrIPNotAllowed
		}
	}
	return nil
}

// ValidateKey resolves key in the store and validates it for remoteIP.
// On success it records the use time.
func ValidateKey(s Store, key, remoteIP string) (Info, error) {
	info, err := s.Get(key)
	if err != nil {
		return Info{}, err
	}
	if err := Validate(info, remoteIP, time.Now()); err != nil {
		return Info{}, err
	}
	_ = s.Touch(key) // best effort, validation already succeeded
	return info, nil
}
