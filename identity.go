package bullroom

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// FallbackDisplayName is rendered until an identity resolves.
const FallbackDisplayName = "Bull"

const (
	defaultIdentityCapacity = 256
	defaultIdentityTTL      = 10 * time.Minute
)

// ProfileSource looks up a user's public profile.
type ProfileSource interface {
	LookupProfile(ctx context.Context, userID string) (Identity, error)
}

// IdentityResolver turns user ids into display identities through a small
// pull-through LRU cache. Concurrent lookups for the same user share one
// call to the source.
type IdentityResolver struct {
	source ProfileSource
	logger zerolog.Logger
	now    func() time.Time
	ttl    time.Duration

	cache    *expirable.LRU[string, identityEntry]
	inflight singleflight.Group
}

type identityEntry struct {
	identity Identity
	storedAt time.Time
}

// NewIdentityResolver creates a resolver backed by source. A nil source
// resolves everything to the fallback identity.
func NewIdentityResolver(source ProfileSource, opts ...Option) *IdentityResolver {
	o := buildOptions(opts)
	return &IdentityResolver{
		source: source,
		logger: o.logger,
		now:    o.now,
		ttl:    defaultIdentityTTL,
		cache:  expirable.NewLRU[string, identityEntry](defaultIdentityCapacity, nil, defaultIdentityTTL),
	}
}

// Cached returns the identity without any lookup. The second result is false
// on a miss, in which case the returned identity carries the fallback name.
func (r *IdentityResolver) Cached(userID string) (Identity, bool) {
	e, ok := r.cache.Get(userID)
	// The LRU expires on wall time; storedAt honours an injected clock.
	if ok && r.now().Sub(e.storedAt) < r.ttl {
		return e.identity, true
	}
	return fallbackIdentity(userID), false
}

// Resolve returns the identity for userID, consulting the source on a miss.
// Lookup failures degrade to the fallback identity and are not cached.
func (r *IdentityResolver) Resolve(ctx context.Context, userID string) Identity {
	if id, ok := r.Cached(userID); ok {
		return id
	}
	if r.source == nil || userID == "" {
		return fallbackIdentity(userID)
	}
	v, err, _ := r.inflight.Do(userID, func() (any, error) {
		if id, ok := r.Cached(userID); ok {
			return id, nil
		}
		id, err := r.source.LookupProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		id.UserID = userID
		if strings.TrimSpace(id.DisplayName) == "" {
			id.DisplayName = FallbackDisplayName
		}
		r.Prime(id)
		return id, nil
	})
	if err != nil {
		r.logger.Debug().Err(err).Str("user_id", userID).Msg("identity_lookup_failed")
		return fallbackIdentity(userID)
	}
	return v.(Identity)
}

// Prime stores an identity learned elsewhere, such as the signed-in session.
func (r *IdentityResolver) Prime(id Identity) {
	if id.UserID == "" {
		return
	}
	r.cache.Add(id.UserID, identityEntry{identity: id, storedAt: r.now()})
}

func fallbackIdentity(userID string) Identity {
	return Identity{UserID: userID, DisplayName: FallbackDisplayName}
}
