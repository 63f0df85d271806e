package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"

	"filippo.io/edwards25519"

	"github.com/dantte-lp/arbcast/internal/wire"
)

// VerifyEnvelope checks env.Signature against pub over the unsigned
// envelope portion using strict Ed25519 semantics. It returns false for
// any malformed input; forged and malformed envelopes are
// indistinguishable at this layer and both are dropped by the caller.
func VerifyEnvelope(pub ed25519.PublicKey, env *wire.Envelope) bool {
	unsigned, err := wire.AppendUnsigned(env, nil)
	if err != nil {
		return false
	}
	return verifyStrict(pub, unsigned, env.Signature[:])
}

// verifyStrict implements Ed25519 signature verification with the strict
// checks stdlib ed25519.Verify omits:
//
//   - the public key A and the signature component R must be canonical
//     point encodings and must not be small-order points;
//   - the scalar S must be canonical (S < L; stdlib also enforces this);
//   - the cofactorless equation [S]B = R + [k]A must hold exactly.
//
// Non-canonical or small-order inputs let a Byzantine peer produce
// signatures that verify differently across implementations; rejecting
// them keeps every correct node's accept-set identical.
func verifyStrict(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}

	a, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil || !bytes.Equal(a.Bytes(), pub) || smallOrder(a) {
		return false
	}

	r, err := new(edwards25519.Point).SetBytes(sig[:32])
	if err != nil || !bytes.Equal(r.Bytes(), sig[:32]) || smallOrder(r) {
		return false
	}

	s, err := new(edwards25519.Scalar).SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}

	// k = SHA-512(R ‖ A ‖ M) mod L.
	h := sha512.New()
	h.Write(sig[:32])
	h.Write(pub)
	h.Write(msg)
	var digest [64]byte
	h.Sum(digest[:0])

	k, err := new(edwards25519.Scalar).SetUniformBytes(digest[:])
	if err != nil {
		return false
	}

	// Check [S]B - [k]A == R without multiplying by the cofactor.
	minusA := new(edwards25519.Point).Negate(a)
	got := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(k, minusA, s)

	return got.Equal(r) == 1
}

// smallOrder reports whether p is in the small-order subgroup, i.e. it
// vanishes when multiplied by the cofactor 8.
func smallOrder(p *edwards25519.Point) bool {
	return new(edwards25519.Point).MultByCofactor(p).
		Equal(edwards25519.NewIdentityPoint()) == 1
}
