package application

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const stateTokenBytes = 32

// PendingStates tracks OAuth state tokens issued for in-flight connections.
// A token is valid once, until ttl after issue. Expired tokens are swept on
// every Issue.
type PendingStates struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	issued map[string]time.Time
}

// NewPendingStates creates a PendingStates with the given expiry and clock.
func NewPendingStates(ttl time.Duration, now func() time.Time) *PendingStates {
	return &PendingStates{
		ttl:    ttl,
		now:    now,
		issued: make(map[string]time.Time),
	}
}

// Issue returns a new random state token.
func (p *PendingStates) Issue() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	token := hex.EncodeToString(b)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for t, issuedAt := range p.issued {
		if now.Sub(issuedAt) > p.ttl {
			delete(p.issued, t)
		}
	}
	p.issued[token] = now

	return token, nil
}

// Consume reports whether token was issued and has not expired. A token can
// be consumed at most once.
func (p *PendingStates) Consume(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	issuedAt, ok := p.issued[token]
	if !ok {
		return false
	}
	delete(p.issued, token)

	return p.now().Sub(issuedAt) <= p.ttl
}

// Len returns the number of tokens currently held, expired or not.
func (p *PendingStates) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.issued)
}
