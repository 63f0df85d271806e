// Package identity provides the cryptographic identity and the static node
// directory for an ARB deployment.
//
// Every node holds one Ed25519 signing key; every envelope it transmits is
// signed over the unsigned envelope portion. Incoming envelopes are
// verified with strict semantics against the verification key the
// directory holds for the envelope's transmitting node.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/dantte-lp/arbcast/internal/wire"
)

// SeedSize is the Ed25519 private key seed length in bytes.
const SeedSize = ed25519.SeedSize

// Sentinel errors for signing failures.
var (
	// ErrBadSeedLength indicates a signing seed is not exactly 32 bytes.
	ErrBadSeedLength = errors.New("signing seed must be 32 bytes")
)

// Signer signs outgoing envelopes with the local node's Ed25519 key.
// Safe for concurrent use; the key is immutable after construction.
type Signer struct {
	id   uint16
	priv ed25519.PrivateKey
}

// NewSigner derives the local signing key from a 32-byte seed.
func NewSigner(id uint16, seed []byte) (*Signer, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("new signer for node %d: got %d bytes: %w",
			id, len(seed), ErrBadSeedLength)
	}
	return &Signer{id: id, priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// NodeID returns the local node id this signer belongs to.
func (s *Signer) NodeID() uint16 { return s.id }

// Public returns the local verification key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign fills env.Sender and env.Signature, signing the unsigned envelope
// portion (id ‖ sender ‖ inner) with the local key.
func (s *Signer) Sign(env *wire.Envelope) error {
	env.Sender = s.id
	unsigned, err := wire.AppendUnsigned(env, nil)
	if err != nil {
		return fmt.Errorf("sign envelope %s: %w", env.ID, err)
	}
	copy(env.Signature[:], ed25519.Sign(s.priv, unsigned))
	return nil
}

// PublicFromSeed derives the verification key for a peer whose 32-byte
// signing seed is known from configuration.
func PublicFromSeed(seed []byte) (ed25519.PublicKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("derive public key: got %d bytes: %w",
			len(seed), ErrBadSeedLength)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), nil
}
