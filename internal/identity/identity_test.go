package identity_test

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/dantte-lp/arbcast/internal/identity"
	"github.com/dantte-lp/arbcast/internal/wire"
)

// testSeed returns a deterministic 32-byte seed for node id.
func testSeed(id uint16) []byte {
	seed := make([]byte, identity.SeedSize)
	seed[0] = byte(id)
	seed[31] = byte(id >> 8)
	return seed
}

// testSpecs builds an n-node directory spec on loopback ports.
func testSpecs(n int) []identity.NodeSpec {
	specs := make([]identity.NodeSpec, n)
	for i := range specs {
		specs[i] = identity.NodeSpec{
			ID:      uint16(i),
			Address: "127.0.0.1:0",
			Seed:    testSeed(uint16(i)),
		}
	}
	return specs
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	signer, err := identity.NewSigner(2, testSeed(2))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	env := wire.Envelope{
		ID:    wire.Identifier{Sender: 0, Sequence: 7},
		Inner: wire.Send([]byte("hello")),
	}
	if err := signer.Sign(&env); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if env.Sender != 2 {
		t.Errorf("Sign set Sender = %d, want 2", env.Sender)
	}

	if !identity.VerifyEnvelope(signer.Public(), &env) {
		t.Error("VerifyEnvelope rejected a valid signature")
	}
}

func TestVerifyRejectsTamperedEnvelope(t *testing.T) {
	t.Parallel()

	signer, err := identity.NewSigner(1, testSeed(1))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	fresh := func() wire.Envelope {
		env := wire.Envelope{
			ID:    wire.Identifier{Sender: 1, Sequence: 3},
			Inner: wire.Answer([]byte("payload")),
		}
		if err := signer.Sign(&env); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return env
	}

	tests := []struct {
		name   string
		mutate func(*wire.Envelope)
	}{
		{"flipped signature bit", func(e *wire.Envelope) { e.Signature[0] ^= 0x01 }},
		{"flipped payload byte", func(e *wire.Envelope) { e.Inner.Payload[0] ^= 0x01 }},
		{"changed identifier", func(e *wire.Envelope) { e.ID.Sequence++ }},
		{"changed sender", func(e *wire.Envelope) { e.Sender++ }},
		{"changed inner type", func(e *wire.Envelope) { e.Inner.Type = wire.TypeSend }},
		{"zeroed signature", func(e *wire.Envelope) { e.Signature = [wire.SignatureSize]byte{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := fresh()
			tt.mutate(&env)
			if identity.VerifyEnvelope(signer.Public(), &env) {
				t.Error("VerifyEnvelope accepted a tampered envelope")
			}
		})
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	t.Parallel()

	signer, _ := identity.NewSigner(1, testSeed(1))
	other, _ := identity.NewSigner(2, testSeed(2))

	env := wire.Envelope{
		ID:    wire.Identifier{Sender: 1, Sequence: 1},
		Inner: wire.Request(),
	}
	if err := signer.Sign(&env); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if identity.VerifyEnvelope(other.Public(), &env) {
		t.Error("VerifyEnvelope accepted a signature under the wrong key")
	}
}

func TestVerifyRejectsDegenerateKeys(t *testing.T) {
	t.Parallel()

	signer, _ := identity.NewSigner(1, testSeed(1))
	env := wire.Envelope{
		ID:    wire.Identifier{Sender: 1, Sequence: 1},
		Inner: wire.Request(),
	}
	if err := signer.Sign(&env); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// The identity point encodes as 0x01 followed by zeros; it is a valid
	// curve encoding but small-order, so strict verification rejects it.
	small := make(ed25519.PublicKey, ed25519.PublicKeySize)
	small[0] = 0x01
	if identity.VerifyEnvelope(small, &env) {
		t.Error("VerifyEnvelope accepted a small-order public key")
	}

	if identity.VerifyEnvelope(nil, &env) {
		t.Error("VerifyEnvelope accepted a nil public key")
	}

	if identity.VerifyEnvelope(make(ed25519.PublicKey, 16), &env) {
		t.Error("VerifyEnvelope accepted a truncated public key")
	}
}

func TestNewSignerBadSeed(t *testing.T) {
	t.Parallel()

	if _, err := identity.NewSigner(0, make([]byte, 16)); !errors.Is(err, identity.ErrBadSeedLength) {
		t.Errorf("NewSigner error = %v, want %v", err, identity.ErrBadSeedLength)
	}
}

func TestDirectoryOrderAndLookup(t *testing.T) {
	t.Parallel()

	dir, err := identity.NewDirectory(2, testSpecs(4))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	if got := dir.N(); got != 4 {
		t.Errorf("N() = %d, want 4", got)
	}
	if got := dir.Me().ID; got != 2 {
		t.Errorf("Me().ID = %d, want 2", got)
	}

	// Configuration order is the REQUEST-target order and must survive.
	for i, node := range dir.All() {
		if node.ID != uint16(i) {
			t.Errorf("All()[%d].ID = %d, want %d", i, node.ID, i)
		}
	}

	first := dir.First(3)
	if len(first) != 3 || first[0].ID != 0 || first[2].ID != 2 {
		t.Errorf("First(3) ids = %v", first)
	}
	if got := dir.First(10); len(got) != 4 {
		t.Errorf("First(10) returned %d nodes, want 4", len(got))
	}

	node, ok := dir.Lookup(3)
	if !ok || node.ID != 3 {
		t.Errorf("Lookup(3) = %+v, %t", node, ok)
	}
	if _, ok := dir.Lookup(9); ok {
		t.Error("Lookup(9) found a node that does not exist")
	}

	// Keys must match the per-node signer derivation.
	signer, _ := identity.NewSigner(3, testSeed(3))
	if !bytes.Equal(node.PublicKey, signer.Public()) {
		t.Error("directory public key does not match signer derivation")
	}
}

func TestNewDirectoryValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		myID    uint16
		specs   []identity.NodeSpec
		wantErr error
	}{
		{
			name:    "empty list",
			myID:    0,
			specs:   nil,
			wantErr: identity.ErrNoNodes,
		},
		{
			name: "duplicate id",
			myID: 0,
			specs: []identity.NodeSpec{
				{ID: 0, Address: "127.0.0.1:7100", Seed: testSeed(0)},
				{ID: 0, Address: "127.0.0.1:7101", Seed: testSeed(1)},
			},
			wantErr: identity.ErrDuplicateNodeID,
		},
		{
			name: "self missing",
			myID: 9,
			specs: []identity.NodeSpec{
				{ID: 0, Address: "127.0.0.1:7100", Seed: testSeed(0)},
			},
			wantErr: identity.ErrSelfNotFound,
		},
		{
			name: "bad address",
			myID: 0,
			specs: []identity.NodeSpec{
				{ID: 0, Address: "not-an-address", Seed: testSeed(0)},
			},
			wantErr: identity.ErrBadAddress,
		},
		{
			name: "bad seed",
			myID: 0,
			specs: []identity.NodeSpec{
				{ID: 0, Address: "127.0.0.1:7100", Seed: []byte{1, 2, 3}},
			},
			wantErr: identity.ErrBadSeedLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := identity.NewDirectory(tt.myID, tt.specs)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewDirectory error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
