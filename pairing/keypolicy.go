package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

// DecisionFunc is consulted for requests the key policy cannot settle on its
// own. It receives the requesting device's ID, name, and proof, and returns
// whether to accept plus an optional rejection reason.
type DecisionFunc func(peerID, peerName, proof string) (bool, string)

// KeyPolicy accepts pairing requests whose proof matches the current pairing
// key. The key is regenerated after every successful pairing, so a displayed
// key authorizes exactly one device. Requests with a non-matching proof fall
// through to the Decide callback when one is set.
type KeyPolicy struct {
	mu     sync.Mutex
	key    string
	Decide DecisionFunc
}

// NewKeyPolicy creates a policy with a freshly generated key.
func NewKeyPolicy() (*KeyPolicy, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPolicy{key: key}, nil
}

// Key returns the current pairing key for display to the user.
func (p *KeyPolicy) Key() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

// Evaluate decides an inbound pairing request.
func (p *KeyPolicy) Evaluate(peerID, peerName, proof string) (bool, string) {
	p.mu.Lock()
	current := p.key
	p.mu.Unlock()

	if proof != "" && proof == current {
		return true, ""
	}
	if p.Decide != nil {
		return p.Decide(peerID, peerName, proof)
	}
	return false, "pairing key mismatch"
}

// Rotate replaces the pairing key and returns the new one. Called after each
// successful pairing.
func (p *KeyPolicy) Rotate() (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.key = key
	p.mu.Unlock()
	return key, nil
}

func generateKey() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("pairing: generate key: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
