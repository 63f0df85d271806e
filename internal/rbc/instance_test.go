package rbc_test

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/dantte-lp/arbcast/internal/rbc"
	"github.com/dantte-lp/arbcast/internal/wire"
)

// Cluster geometry used throughout: N=4, t=1, so the thresholds are
// ECHO n-t=3, READY amplification t+1=2, READY delivery 2t+1=3.
const testN = 4

// outCall records one transmission an instance asked for.
type outCall struct {
	kind  string // "all", "first", "node"
	k     int
	node  uint16
	inner wire.Inner
}

// fakeOut is an Outbound double recording transmissions.
type fakeOut struct {
	mu    sync.Mutex
	calls []outCall
}

func (f *fakeOut) ToAll(_ context.Context, _ wire.Identifier, inner wire.Inner) {
	f.record(outCall{kind: "all", inner: inner})
}

func (f *fakeOut) ToFirst(_ context.Context, k int, _ wire.Identifier, inner wire.Inner) {
	f.record(outCall{kind: "first", k: k, inner: inner})
}

func (f *fakeOut) ToNode(_ context.Context, node uint16, _ wire.Identifier, inner wire.Inner) {
	f.record(outCall{kind: "node", node: node, inner: inner})
}

func (f *fakeOut) record(c outCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeOut) all() []outCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outCall(nil), f.calls...)
}

// deliveries collects DeliverFunc invocations.
type deliveries struct {
	mu      sync.Mutex
	entries []rbc.Delivery
}

func (d *deliveries) fn(id wire.Identifier, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, rbc.Delivery{ID: id, Payload: append([]byte(nil), payload...)})
}

func (d *deliveries) all() []rbc.Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]rbc.Delivery(nil), d.entries...)
}

// env builds an envelope as the driver would see it, post-authentication.
func env(id wire.Identifier, sender uint16, inner wire.Inner) *wire.Envelope {
	return &wire.Envelope{ID: id, Sender: sender, Inner: inner}
}

func digestOf(payload string) [wire.DigestSize]byte {
	return sha256.Sum256([]byte(payload))
}

func newTestInstance(self uint16, id wire.Identifier) (*rbc.Instance, *fakeOut, *deliveries) {
	out := &fakeOut{}
	del := &deliveries{}
	return rbc.NewInstance(id, self, testN, out, del.fn), out, del
}

func TestBroadcastFansOutSend(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(0, id)

	inst.Handle(context.Background(), env(id, 0, wire.Broadcast([]byte("hello"))))

	calls := out.all()
	if len(calls) != 1 || calls[0].kind != "all" || calls[0].inner.Type != wire.TypeSend {
		t.Fatalf("calls = %+v, want one ToAll(SEND)", calls)
	}
	if string(calls[0].inner.Payload) != "hello" {
		t.Errorf("SEND payload = %q, want %q", calls[0].inner.Payload, "hello")
	}

	// BROADCAST leaves the payload unrecorded; the initiator learns it
	// from its own SEND.
	if snap := inst.Snapshot(); snap.PayloadSize != 0 {
		t.Errorf("payload recorded on BROADCAST: %+v", snap)
	}
}

func TestBroadcastRejectedUnlessSelfInitiated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		self   uint16
		sender uint16 // envelope transmitter
		owner  uint16 // id.Sender
	}{
		{"foreign transmitter", 0, 1, 0},
		{"foreign instance", 2, 2, 0},
		{"both foreign", 2, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id := wire.Identifier{Sender: tt.owner, Sequence: 1}
			inst, out, _ := newTestInstance(tt.self, id)

			inst.Handle(context.Background(), env(id, tt.sender, wire.Broadcast([]byte("x"))))
			if calls := out.all(); len(calls) != 0 {
				t.Errorf("calls = %+v, want none", calls)
			}
		})
	}
}

func TestSendRecordsOnceAndEchoes(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(2, id)
	ctx := context.Background()

	inst.Handle(ctx, env(id, 0, wire.Send([]byte("hello"))))

	calls := out.all()
	if len(calls) != 1 || calls[0].kind != "all" || calls[0].inner.Type != wire.TypeEcho {
		t.Fatalf("calls = %+v, want one ToAll(ECHO)", calls)
	}
	if calls[0].inner.Digest != digestOf("hello") {
		t.Errorf("ECHO digest = %x, want SHA-256(hello)", calls[0].inner.Digest)
	}

	// A second SEND, even from the sender, is inert.
	inst.Handle(ctx, env(id, 0, wire.Send([]byte("other"))))
	if got := out.all(); len(got) != 1 {
		t.Errorf("second SEND produced calls: %+v", got[1:])
	}

	if snap := inst.Snapshot(); snap.PayloadSize != len("hello") {
		t.Errorf("PayloadSize = %d, want %d", snap.PayloadSize, len("hello"))
	}
}

func TestSendFromNonSenderDropped(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(2, id)

	inst.Handle(context.Background(), env(id, 1, wire.Send([]byte("forged"))))

	if calls := out.all(); len(calls) != 0 {
		t.Errorf("calls = %+v, want none", calls)
	}
	if snap := inst.Snapshot(); snap.PayloadSize != 0 {
		t.Errorf("payload recorded from non-sender SEND: %+v", snap)
	}
}

func TestEchoThresholdEmitsReadyOnce(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	inst.Handle(ctx, env(id, 0, wire.Echo(d)))
	inst.Handle(ctx, env(id, 1, wire.Echo(d)))

	// Duplicate from an already-counted sender must not advance the tally.
	inst.Handle(ctx, env(id, 1, wire.Echo(d)))
	if calls := out.all(); len(calls) != 0 {
		t.Fatalf("READY before threshold: %+v", calls)
	}

	// Third distinct sender reaches n-t = 3.
	inst.Handle(ctx, env(id, 2, wire.Echo(d)))
	calls := out.all()
	if len(calls) != 1 || calls[0].inner.Type != wire.TypeReady || calls[0].inner.Digest != d {
		t.Fatalf("calls = %+v, want one ToAll(READY(d))", calls)
	}

	// A fourth ECHO cannot re-fire the latch.
	inst.Handle(ctx, env(id, 3, wire.Echo(d)))
	if got := out.all(); len(got) != 1 {
		t.Errorf("extra READY after latch: %+v", got[1:])
	}

	snap := inst.Snapshot()
	if snap.EchoCount != 4 || !snap.ReadySent {
		t.Errorf("snapshot = %+v, want EchoCount=4 ReadySent=true", snap)
	}
}

// TestEquivocatingEchoesNeverReachThreshold is the equivocating-sender
// case: two digests split 2/1 across three echoers, so neither reaches
// n-t and no READY is emitted.
func TestEquivocatingEchoesNeverReachThreshold(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(0, id)
	ctx := context.Background()

	inst.Handle(ctx, env(id, 1, wire.Echo(digestOf("hello"))))
	inst.Handle(ctx, env(id, 2, wire.Echo(digestOf("hello"))))
	inst.Handle(ctx, env(id, 3, wire.Echo(digestOf("world"))))

	if calls := out.all(); len(calls) != 0 {
		t.Errorf("calls = %+v, want none: neither digest has n-t echoes", calls)
	}
	if snap := inst.Snapshot(); snap.EchoCount != 3 || snap.ReadySent {
		t.Errorf("snapshot = %+v, want EchoCount=3 ReadySent=false", snap)
	}
}

func TestReadyAmplificationAtTPlusOne(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	inst.Handle(ctx, env(id, 0, wire.Ready(d)))
	if calls := out.all(); len(calls) != 0 {
		t.Fatalf("READY after a single READY: %+v", calls)
	}

	// Second distinct READY reaches t+1 = 2: amplify.
	inst.Handle(ctx, env(id, 1, wire.Ready(d)))
	calls := out.all()
	if len(calls) != 1 || calls[0].inner.Type != wire.TypeReady || calls[0].inner.Digest != d {
		t.Fatalf("calls = %+v, want one ToAll(READY(d))", calls)
	}
}

func TestReadyAmplificationSkippedAfterEchoReady(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	// Reach the ECHO threshold first; readySent latches.
	for s := uint16(0); s < 3; s++ {
		inst.Handle(ctx, env(id, s, wire.Echo(d)))
	}
	if calls := out.all(); len(calls) != 1 {
		t.Fatalf("setup: calls = %+v", calls)
	}

	// t+1 READYs must not produce a second READY.
	inst.Handle(ctx, env(id, 0, wire.Ready(d)))
	inst.Handle(ctx, env(id, 1, wire.Ready(d)))
	if got := out.all(); len(got) != 1 {
		t.Errorf("amplification fired despite readySent: %+v", got[1:])
	}
}

func TestReadyThresholdDeliversMatchingPayload(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, del := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	inst.Handle(ctx, env(id, 0, wire.Send([]byte("hello"))))

	for s := uint16(0); s < 3; s++ {
		inst.Handle(ctx, env(id, s, wire.Ready(d)))
	}

	got := del.all()
	if len(got) != 1 || string(got[0].Payload) != "hello" || got[0].ID != id {
		t.Fatalf("deliveries = %+v, want one (%s, hello)", got, id)
	}

	// No REQUEST was needed.
	for _, c := range out.all() {
		if c.inner.Type == wire.TypeRequest {
			t.Errorf("unexpected REQUEST: %+v", c)
		}
	}

	snap := inst.Snapshot()
	if !snap.Delivered || !snap.DigestLocked || snap.Phase() != "delivered" {
		t.Errorf("snapshot = %+v, want delivered", snap)
	}
}

func TestReadyThresholdWithoutPayloadRequests(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, del := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	// Three matching READYs with no SEND ever seen.
	for s := uint16(0); s < 3; s++ {
		inst.Handle(ctx, env(id, s, wire.Ready(d)))
	}

	calls := out.all()
	// The t+1 amplification fires first, then the 2t+1 REQUEST.
	if len(calls) != 2 {
		t.Fatalf("calls = %+v, want amplified READY then REQUEST", calls)
	}
	if calls[0].inner.Type != wire.TypeReady {
		t.Errorf("calls[0] = %+v, want READY", calls[0])
	}
	req := calls[1]
	if req.kind != "first" || req.k != 3 || req.inner.Type != wire.TypeRequest {
		t.Errorf("calls[1] = %+v, want ToFirst(3, REQUEST)", req)
	}

	if len(del.all()) != 0 {
		t.Error("delivered without payload")
	}
	if snap := inst.Snapshot(); snap.Phase() != "recovering" {
		t.Errorf("phase = %q, want recovering", snap.Phase())
	}
}

func TestAnswerCompletesRecovery(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, _, del := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	// ANSWER before the digest is locked is dropped.
	inst.Handle(ctx, env(id, 0, wire.Answer([]byte("hello"))))
	if len(del.all()) != 0 {
		t.Fatal("ANSWER accepted before digest lock")
	}

	for s := uint16(0); s < 3; s++ {
		inst.Handle(ctx, env(id, s, wire.Ready(d)))
	}

	// ANSWER with the wrong payload is dropped.
	inst.Handle(ctx, env(id, 0, wire.Answer([]byte("world"))))
	if len(del.all()) != 0 {
		t.Fatal("ANSWER with mismatched digest accepted")
	}

	// Matching ANSWER delivers.
	inst.Handle(ctx, env(id, 1, wire.Answer([]byte("hello"))))
	got := del.all()
	if len(got) != 1 || string(got[0].Payload) != "hello" {
		t.Fatalf("deliveries = %+v, want one hello", got)
	}

	// A second matching ANSWER must not deliver again.
	inst.Handle(ctx, env(id, 3, wire.Answer([]byte("hello"))))
	if len(del.all()) != 1 {
		t.Error("duplicate delivery from repeated ANSWER")
	}
}

func TestRequestAnsweredOnlyWithPayload(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, _ := newTestInstance(2, id)
	ctx := context.Background()

	// REQUEST before any payload is known: dropped.
	inst.Handle(ctx, env(id, 3, wire.Request()))
	if calls := out.all(); len(calls) != 0 {
		t.Fatalf("calls = %+v, want none", calls)
	}

	inst.Handle(ctx, env(id, 0, wire.Send([]byte("hello"))))

	inst.Handle(ctx, env(id, 3, wire.Request()))
	calls := out.all()
	last := calls[len(calls)-1]
	if last.kind != "node" || last.node != 3 || last.inner.Type != wire.TypeAnswer {
		t.Fatalf("last call = %+v, want ToNode(3, ANSWER)", last)
	}
	if string(last.inner.Payload) != "hello" {
		t.Errorf("ANSWER payload = %q, want hello", last.inner.Payload)
	}
}

func TestDeliveredInstanceOnlyServesRequests(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, del := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	inst.Handle(ctx, env(id, 0, wire.Send([]byte("hello"))))
	for s := uint16(0); s < 3; s++ {
		inst.Handle(ctx, env(id, s, wire.Ready(d)))
	}
	if len(del.all()) != 1 {
		t.Fatal("setup: not delivered")
	}

	before := inst.Snapshot()
	sends := len(out.all())

	// Post-delivery ECHO/READY/SEND/BROADCAST are inert.
	inst.Handle(ctx, env(id, 3, wire.Echo(d)))
	inst.Handle(ctx, env(id, 3, wire.Ready(d)))
	inst.Handle(ctx, env(id, 0, wire.Send([]byte("late"))))
	inst.Handle(ctx, env(id, 0, wire.Broadcast([]byte("late"))))

	if after := inst.Snapshot(); after != before {
		t.Errorf("state changed after delivery: %+v -> %+v", before, after)
	}
	if got := len(out.all()); got != sends {
		t.Errorf("transmissions after delivery: %+v", out.all()[sends:])
	}

	// REQUESTs are still served so laggards can recover.
	inst.Handle(ctx, env(id, 1, wire.Request()))
	calls := out.all()
	last := calls[len(calls)-1]
	if last.kind != "node" || last.node != 1 || last.inner.Type != wire.TypeAnswer {
		t.Errorf("last call = %+v, want ToNode(1, ANSWER)", last)
	}
	if len(del.all()) != 1 {
		t.Error("delivery count changed")
	}
}

func TestDuplicateReadyIdempotent(t *testing.T) {
	t.Parallel()

	id := wire.Identifier{Sender: 0, Sequence: 7}
	inst, out, del := newTestInstance(2, id)
	ctx := context.Background()
	d := digestOf("hello")

	inst.Handle(ctx, env(id, 0, wire.Send([]byte("hello"))))
	inst.Handle(ctx, env(id, 0, wire.Ready(d)))
	inst.Handle(ctx, env(id, 0, wire.Ready(d)))
	inst.Handle(ctx, env(id, 0, wire.Ready(d)))

	if snap := inst.Snapshot(); snap.ReadyCount != 1 {
		t.Errorf("ReadyCount = %d, want 1", snap.ReadyCount)
	}
	if len(del.all()) != 0 {
		t.Error("delivered from duplicate READYs")
	}
	// No amplification either: the count never reached t+1.
	for _, c := range out.all() {
		if c.inner.Type == wire.TypeReady {
			t.Errorf("unexpected READY: %+v", c)
		}
	}
}
