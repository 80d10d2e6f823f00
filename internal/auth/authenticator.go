// Package auth resolves API keys to staff identities. Lookups are layered:
// static config keys, an in-process cache, then Redis.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"fieldtrack/internal/config"
)

// Identity is the resolved owner of an API key.
type Identity struct {
	UserID   string
	FullName string
	Admin    bool
}

// KeyDirectory is the remote key store (Redis-backed in production).
type KeyDirectory interface {
	StaffIdentity(ctx context.Context, apiKey string) (userID, fullName string, err error)
}

type cacheEntry struct {
	identity  Identity
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	directory  KeyDirectory
	ttl        time.Duration
	staticKeys map[string]Identity
	adminKeys  map[string]bool
}

// NewAuthenticator builds the three-level resolver. Static keys come from
// config as "key" or "key:user_id:Full Name" entries; bare keys map to a
// service identity.
func NewAuthenticator(cfg *config.Config, directory KeyDirectory) *Authenticator {
	staticKeys := make(map[string]Identity, len(cfg.StaticAPIKeys))
	for _, entry := range cfg.StaticAPIKeys {
		key, id := parseStaticKey(entry)
		if key != "" {
			staticKeys[key] = id
		}
	}

	adminKeys := make(map[string]bool, len(cfg.AdminAPIKeys))
	for _, k := range cfg.AdminAPIKeys {
		if k != "" {
			adminKeys[k] = true
		}
	}

	return &Authenticator{
		directory:  directory,
		ttl:        cfg.AuthCacheTTL,
		staticKeys: staticKeys,
		adminKeys:  adminKeys,
	}
}

func parseStaticKey(entry string) (string, Identity) {
	parts := strings.SplitN(entry, ":", 3)
	switch len(parts) {
	case 1:
		return parts[0], Identity{UserID: "service", FullName: "Service Account"}
	case 2:
		return parts[0], Identity{UserID: parts[1], FullName: parts[1]}
	default:
		return parts[0], Identity{UserID: parts[1], FullName: parts[2]}
	}
}

// Resolve maps an API key to an identity. The bool is false for unknown keys.
func (a *Authenticator) Resolve(ctx context.Context, apiKey string) (Identity, bool) {
	if apiKey == "" {
		return Identity{}, false
	}

	if id, ok := a.staticKeys[apiKey]; ok {
		id.Admin = a.adminKeys[apiKey]
		return id, true
	}

	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.identity, true
		}
		a.localCache.Delete(apiKey)
	}

	userID, fullName, err := a.directory.StaffIdentity(ctx, apiKey)
	if err != nil || userID == "" {
		return Identity{}, false
	}

	id := Identity{UserID: userID, FullName: fullName, Admin: a.adminKeys[apiKey]}
	a.localCache.Store(apiKey, cacheEntry{identity: id, expiresAt: time.Now().Add(a.ttl)})
	return id, true
}

// IsAdmin reports whether the key carries admin rights (geofence CRUD and
// workflow management).
func (a *Authenticator) IsAdmin(apiKey string) bool {
	return a.adminKeys[apiKey]
}
