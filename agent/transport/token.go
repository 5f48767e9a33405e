package transport

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTokenInvalid = errors.New("stream token invalid or expired")

const defaultTokenTTL = 45 * time.Second

type tokenGrant struct {
	conversationID string
	expiresAt      time.Time
}

// TokenIssuer mints single-use, short-lived tokens that authorize exactly one
// WebSocket attachment to one conversation's stream. Redemption consumes the
// token; a reconnect needs a fresh one.
type TokenIssuer struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	grants map[string]tokenGrant
}

func NewTokenIssuer(ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{
		ttl:    ttl,
		now:    time.Now,
		grants: make(map[string]tokenGrant),
	}
}

func (i *TokenIssuer) Issue(conversationID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint stream token: %w", err)
	}
	token := hex.EncodeToString(buf)

	i.mu.Lock()
	i.prune()
	i.grants[token] = tokenGrant{conversationID: conversationID, expiresAt: i.now().Add(i.ttl)}
	i.mu.Unlock()
	return token, nil
}

// Redeem consumes the token. Comparison is constant-time over the stored
// grants so a probing client learns nothing from response timing.
func (i *TokenIssuer) Redeem(token, conversationID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.prune()

	for candidate, grant := range i.grants {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			delete(i.grants, candidate)
			if grant.conversationID != conversationID {
				return ErrTokenInvalid
			}
			return nil
		}
	}
	return ErrTokenInvalid
}

// prune drops expired grants. Caller holds the lock.
func (i *TokenIssuer) prune() {
	now := i.now()
	for token, grant := range i.grants {
		if now.After(grant.expiresAt) {
			delete(i.grants, token)
		}
	}
}
