package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// -------------------------------------------------------------------------
// Directory Errors
// -------------------------------------------------------------------------

// Sentinel errors for directory construction failures. All are fatal at
// startup; the directory is immutable afterwards.
var (
	// ErrNoNodes indicates the configuration names no participants.
	ErrNoNodes = errors.New("node directory is empty")

	// ErrDuplicateNodeID indicates two configuration entries share an id.
	ErrDuplicateNodeID = errors.New("duplicate node id")

	// ErrSelfNotFound indicates my_id does not appear in the node list.
	ErrSelfNotFound = errors.New("local node id not present in node list")

	// ErrBadAddress indicates a node address does not resolve to a UDP
	// host:port.
	ErrBadAddress = errors.New("node address is not a valid host:port")
)

// -------------------------------------------------------------------------
// Node & NodeSpec
// -------------------------------------------------------------------------

// NodeSpec is one directory entry as provided by configuration. Seed is
// the node's 32-byte Ed25519 signing seed; for the local node it signs,
// for peers it only derives the verification key.
type NodeSpec struct {
	ID      uint16
	Address string
	Seed    []byte
}

// Node is one resolved directory entry.
type Node struct {
	// ID is the participant id.
	ID uint16

	// Addr is the resolved UDP address envelopes for this node are sent to.
	Addr netip.AddrPort

	// PublicKey is the Ed25519 verification key for envelopes this node
	// transmits.
	PublicKey ed25519.PublicKey
}

// -------------------------------------------------------------------------
// Directory
// -------------------------------------------------------------------------

// Directory is the static, read-only participant table. The slice order is
// the configuration order; REQUEST targeting depends on it, so it is never
// reordered. Safe for concurrent reads.
type Directory struct {
	nodes []Node
	byID  map[uint16]int
	self  int
}

// NewDirectory resolves and validates the participant table. The local
// node named by myID must appear in specs.
func NewDirectory(myID uint16, specs []NodeSpec) (*Directory, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("build directory: %w", ErrNoNodes)
	}

	d := &Directory{
		nodes: make([]Node, 0, len(specs)),
		byID:  make(map[uint16]int, len(specs)),
		self:  -1,
	}

	for i, spec := range specs {
		if _, dup := d.byID[spec.ID]; dup {
			return nil, fmt.Errorf("build directory: node %d: %w", spec.ID, ErrDuplicateNodeID)
		}

		addr, err := resolveAddr(spec.Address)
		if err != nil {
			return nil, fmt.Errorf("build directory: node %d: %w", spec.ID, err)
		}

		pub, err := PublicFromSeed(spec.Seed)
		if err != nil {
			return nil, fmt.Errorf("build directory: node %d: %w", spec.ID, err)
		}

		d.byID[spec.ID] = i
		d.nodes = append(d.nodes, Node{ID: spec.ID, Addr: addr, PublicKey: pub})

		if spec.ID == myID {
			d.self = i
		}
	}

	if d.self < 0 {
		return nil, fmt.Errorf("build directory: my_id %d: %w", myID, ErrSelfNotFound)
	}

	return d, nil
}

// resolveAddr parses or resolves a host:port string to a UDP address.
// Hostname resolution happens once at startup; the directory is static.
func resolveAddr(address string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return ap, nil
	}
	ua, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%q: %w: %w", address, ErrBadAddress, err)
	}
	return ua.AddrPort(), nil
}

// N returns the total number of participants.
func (d *Directory) N() int { return len(d.nodes) }

// Lookup returns the directory entry for id.
func (d *Directory) Lookup(id uint16) (Node, bool) {
	i, ok := d.byID[id]
	if !ok {
		return Node{}, false
	}
	return d.nodes[i], true
}

// All returns every participant in configuration order. Callers must not
// mutate the returned slice.
func (d *Directory) All() []Node { return d.nodes }

// First returns the first k participants in configuration order, or all
// of them if k exceeds N.
func (d *Directory) First(k int) []Node {
	if k > len(d.nodes) {
		k = len(d.nodes)
	}
	return d.nodes[:k]
}

// Me returns the local node's directory entry.
func (d *Directory) Me() Node { return d.nodes[d.self] }
