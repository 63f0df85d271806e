package rbc

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/dantte-lp/arbcast/internal/wire"
)

// DeliverFunc receives the terminal event of one broadcast instance. It is
// invoked exactly once per instance, after which the instance only answers
// REQUESTs from lagging peers.
type DeliverFunc func(id wire.Identifier, payload []byte)

// Outbound signs and transmits protocol messages on behalf of an instance.
// Implemented by Manager; a test double stands in for it in unit tests.
type Outbound interface {
	// ToAll transmits inner to every participant, including self.
	ToAll(ctx context.Context, id wire.Identifier, inner wire.Inner)

	// ToFirst transmits inner to the first k participants in directory
	// order.
	ToFirst(ctx context.Context, k int, id wire.Identifier, inner wire.Inner)

	// ToNode transmits inner to the single participant node.
	ToNode(ctx context.Context, node uint16, id wire.Identifier, inner wire.Inner)
}

// Instance is the state machine for one broadcast identifier.
//
// The state is the orthogonal one-shot latches of the protocol: the
// payload (set at most once), the locked digest (set at the 2t+1 READY
// threshold), the per-sender ECHO/READY dedup sets, and the readySent and
// delivered latches. The driver goroutine owns all transitions; the mutex
// exists only so Snapshot can be read from the API without racing it.
type Instance struct {
	id   wire.Identifier
	self uint16
	n    int
	t    int

	out     Outbound
	deliver DeliverFunc

	mu sync.Mutex

	message   []byte
	digest    [wire.DigestSize]byte
	digestSet bool

	// Per-sender dedup with per-digest tallies: a participant's first
	// ECHO (or READY) is the only one counted, under the digest it
	// carried. Thresholds apply to the count for a single digest, so an
	// equivocating sender cannot aggregate ECHOs for different payloads
	// into one threshold.
	echoSenders  map[uint16][wire.DigestSize]byte
	readySenders map[uint16][wire.DigestSize]byte

	readySent bool
	delivered bool
}

// NewInstance creates the blank state machine for id at a node in an
// n-participant deployment. The fault bound t = ⌊(n−1)/3⌋ is derived here
// and fixed for the instance's lifetime.
func NewInstance(id wire.Identifier, self uint16, n int, out Outbound, deliver DeliverFunc) *Instance {
	return &Instance{
		id:           id,
		self:         self,
		n:            n,
		t:            (n - 1) / 3,
		out:          out,
		deliver:      deliver,
		echoSenders:  make(map[uint16][wire.DigestSize]byte),
		readySenders: make(map[uint16][wire.DigestSize]byte),
	}
}

// countFor returns how many distinct senders in tally are counted under
// digest d.
func countFor(tally map[uint16][wire.DigestSize]byte, d [wire.DigestSize]byte) int {
	n := 0
	for _, got := range tally {
		if got == d {
			n++
		}
	}
	return n
}

// ID returns the instance's broadcast identifier.
func (i *Instance) ID() wire.Identifier { return i.id }

// Delivered reports whether the instance has delivered its payload.
func (i *Instance) Delivered() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.delivered
}

// Handle processes one authenticated envelope. The caller (the driver
// goroutine) guarantees env's signature was verified against env.Sender's
// key before this point; no authentication happens here.
//
// Envelopes that do not cause a transition are dropped without effect:
// on an unauthenticated datagram transport that is the normal fate of
// adversarial traffic.
func (i *Instance) Handle(ctx context.Context, env *wire.Envelope) {
	i.mu.Lock()

	// After delivery the instance only serves REQUESTs; every other
	// message can no longer change state.
	if i.delivered && env.Inner.Type != wire.TypeRequest {
		i.mu.Unlock()
		return
	}

	var (
		payload []byte
		done    bool
	)

	switch env.Inner.Type {
	case wire.TypeBroadcast:
		i.onBroadcast(ctx, env)
	case wire.TypeSend:
		i.onSend(ctx, env)
	case wire.TypeEcho:
		i.onEcho(ctx, env)
	case wire.TypeReady:
		payload, done = i.onReady(ctx, env)
	case wire.TypeRequest:
		i.onRequest(ctx, env)
	case wire.TypeAnswer:
		payload, done = i.onAnswer(env)
	}

	i.mu.Unlock()

	// Deliver outside the lock: the callback may call back into the
	// manager (snapshots, delivery log).
	if done {
		i.deliver(i.id, payload)
	}
}

// onBroadcast handles the initiator's self-dispatched payload: transmit
// SEND(m) to every participant and stop. The payload is deliberately not
// recorded; the initiator learns it like everyone else, from its own SEND
// arriving through the authenticated receive path.
//
// A BROADCAST is accepted only when this node is the instance's sender and
// signed the envelope itself. Reacting to a foreign BROADCAST would only
// produce SENDs every correct peer rejects (envelope signer != instance
// sender).
func (i *Instance) onBroadcast(ctx context.Context, env *wire.Envelope) {
	if env.Sender != i.self || i.id.Sender != i.self {
		return
	}
	i.out.ToAll(ctx, i.id, wire.Send(env.Inner.Payload))
}

// onSend handles the sender's payload: record it once and ECHO its digest
// to every participant. SENDs from anyone but the instance's sender, and
// repeat SENDs, are dropped.
func (i *Instance) onSend(ctx context.Context, env *wire.Envelope) {
	if env.Sender != i.id.Sender || i.message != nil {
		return
	}

	i.message = append([]byte(nil), env.Inner.Payload...)
	i.out.ToAll(ctx, i.id, wire.Echo(sha256.Sum256(i.message)))
}

// onEcho counts one ECHO per sender under the digest it carried. When
// n−t distinct senders have echoed the same digest, the node transmits
// its READY for that digest, once. Since n−t is a majority, at most one
// digest can ever reach the threshold.
func (i *Instance) onEcho(ctx context.Context, env *wire.Envelope) {
	if _, dup := i.echoSenders[env.Sender]; dup {
		return
	}
	i.echoSenders[env.Sender] = env.Inner.Digest

	if countFor(i.echoSenders, env.Inner.Digest) == i.n-i.t && !i.readySent {
		i.readySent = true
		i.out.ToAll(ctx, i.id, wire.Ready(env.Inner.Digest))
	}
}

// onReady counts one READY per sender and drives the two READY thresholds:
//
//   - t+1: amplification. Transmit our own READY if we have not yet, so
//     that READY propagation cannot stall when the ECHO threshold is
//     never reached locally.
//   - 2t+1: lock the digest. If the stored payload matches, deliver;
//     otherwise pull the payload from the first 2t+1 participants in
//     directory order, of whom at least t+1 are correct and hold it.
//
// Returns the payload and true when this envelope completed delivery.
func (i *Instance) onReady(ctx context.Context, env *wire.Envelope) ([]byte, bool) {
	if _, dup := i.readySenders[env.Sender]; dup {
		return nil, false
	}
	i.readySenders[env.Sender] = env.Inner.Digest

	count := countFor(i.readySenders, env.Inner.Digest)

	if count == i.t+1 && !i.readySent {
		i.readySent = true
		i.out.ToAll(ctx, i.id, wire.Ready(env.Inner.Digest))
	}

	if count == 2*i.t+1 && !i.delivered {
		i.digest = env.Inner.Digest
		i.digestSet = true

		if i.message != nil && sha256.Sum256(i.message) == i.digest {
			i.delivered = true
			return i.message, true
		}

		i.out.ToFirst(ctx, 2*i.t+1, i.id, wire.Request())
	}

	return nil, false
}

// onRequest answers a lagging peer with the stored payload. REQUESTs
// arriving before any payload is known are dropped; the requester asked
// 2t+1 peers and needs only one correct answer.
func (i *Instance) onRequest(ctx context.Context, env *wire.Envelope) {
	if i.message == nil {
		return
	}
	i.out.ToNode(ctx, env.Sender, i.id, wire.Answer(i.message))
}

// onAnswer completes recovery: accept a payload whose SHA-256 matches the
// locked digest. ANSWERs before the digest is locked, after delivery, or
// with a mismatched digest are dropped.
func (i *Instance) onAnswer(env *wire.Envelope) ([]byte, bool) {
	if !i.digestSet || i.delivered {
		return nil, false
	}
	if sha256.Sum256(env.Inner.Payload) != i.digest {
		return nil, false
	}

	i.message = append([]byte(nil), env.Inner.Payload...)
	i.delivered = true
	return i.message, true
}

// -------------------------------------------------------------------------
// Snapshot — read-only view for external consumers
// -------------------------------------------------------------------------

// Snapshot is a point-in-time copy of an instance's observable state, used
// by the admin API and arbcastctl. No references to mutable state are held.
type Snapshot struct {
	// ID is the broadcast identifier.
	ID wire.Identifier

	// EchoCount is the number of distinct participants whose ECHO was
	// counted.
	EchoCount int

	// ReadyCount is the number of distinct participants whose READY was
	// counted.
	ReadyCount int

	// ReadySent reports whether this node transmitted its READY.
	ReadySent bool

	// DigestLocked reports whether the 2t+1 READY threshold fired.
	DigestLocked bool

	// Delivered reports whether the payload was delivered.
	Delivered bool

	// PayloadSize is the stored payload length in bytes, 0 if unknown.
	PayloadSize int
}

// Phase summarizes the snapshot for display: "delivered", "recovering"
// (digest locked, payload still missing) or "pending".
func (s Snapshot) Phase() string {
	switch {
	case s.Delivered:
		return "delivered"
	case s.DigestLocked:
		return "recovering"
	default:
		return "pending"
	}
}

// Snapshot returns a copy of the instance's observable state.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	return Snapshot{
		ID:           i.id,
		EchoCount:    len(i.echoSenders),
		ReadyCount:   len(i.readySenders),
		ReadySent:    i.readySent,
		DigestLocked: i.digestSet,
		Delivered:    i.delivered,
		PayloadSize:  len(i.message),
	}
}
