package auth

import (
	"sync"
	"time"
)

// revocations remembers what logout invalidated until the affected tokens
// would have expired anyway. Tokens of a user issued in a second before the
// logout are void; tokens this process issued within that same second are
// tracked by id.
type revocations struct {
	mu      sync.Mutex
	issued  map[string]map[string]time.Time // user id -> token id -> expiry
	revoked map[string]time.Time            // token id -> expiry
	cutoff  map[string]time.Time            // user id -> logout instant
}

func newRevocations() *revocations {
	return &revocations{
		issued:  make(map[string]map[string]time.Time),
		revoked: make(map[string]time.Time),
		cutoff:  make(map[string]time.Time),
	}
}

func (r *revocations) track(userID, tokenID string, exp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tokens, ok := r.issued[userID]
	if !ok {
		tokens = make(map[string]time.Time)
		r.issued[userID] = tokens
	}
	tokens[tokenID] = exp
}

// revokeUser voids every token of userID issued up to now.
func (r *revocations) revokeUser(userID string, now time.Time, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, exp := range r.issued[userID] {
		r.revoked[id] = exp
	}
	delete(r.issued, userID)
	r.cutoff[userID] = now
	r.pruneLocked(now, ttl)
}

func (r *revocations) isRevoked(userID, tokenID string, issuedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revoked[tokenID]; ok {
		return true
	}
	cutoff, ok := r.cutoff[userID]
	return ok && issuedAt.Before(cutoff.Truncate(time.Second))
}

func (r *revocations) tokenRevoked(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[tokenID]
	return ok
}

// pruneLocked forgets entries that only concern expired tokens.
func (r *revocations) pruneLocked(now time.Time, ttl time.Duration) {
	for id, exp := range r.revoked {
		if !now.Before(exp) {
			delete(r.revoked, id)
		}
	}
	for user, tokens := range r.issued {
		for id, exp := range tokens {
			if !now.Before(exp) {
				delete(tokens, id)
			}
		}
		if len(tokens) == 0 {
			delete(r.issued, user)
		}
	}
	for user, at := range r.cutoff {
		if now.Sub(at) > ttl {
			delete(r.cutoff, user)
		}
	}
}
