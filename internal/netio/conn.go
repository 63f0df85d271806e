package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/arbcast/internal/wire"
)

// rcvBufSize is the requested kernel receive buffer. A burst of N-1 peers
// each transmitting ECHO and READY rounds for many instances can easily
// outrun a default-sized buffer.
const rcvBufSize = 4 * 1024 * 1024

// ErrUnexpectedConnType indicates ListenPacket returned something other
// than a *net.UDPConn.
var ErrUnexpectedConnType = errors.New("listener is not a UDP connection")

// Conn is the single shared ARB datagram socket. Reads are owned by the
// receive loop; SendTo is safe for concurrent use by any number of
// instance drivers.
type Conn struct {
	udp *net.UDPConn
}

// Bind opens the shared socket on bindAddr (the local node's directory
// address). The socket is configured with SO_REUSEADDR and an enlarged
// receive buffer.
func Bind(bindAddr netip.AddrPort) (*Conn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSocketOpts(c)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", bindAddr.String())
	if err != nil {
		return nil, fmt.Errorf("bind UDP %s: %w", bindAddr, err)
	}

	udp, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("bind UDP %s: %w: %w", bindAddr, ErrUnexpectedConnType, closeErr)
	}

	return &Conn{udp: udp}, nil
}

// setSocketOpts configures SO_REUSEADDR and SO_RCVBUF on the raw socket.
func setSocketOpts(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are small positive integers.
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		//nolint:gosec // G115: see above.
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufSize)
	})
	if err != nil {
		return fmt.Errorf("socket control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set socket options: %w", sockErr)
	}

	return nil
}

// LocalAddr returns the bound address (useful when binding port 0 in tests).
func (c *Conn) LocalAddr() netip.AddrPort {
	return c.udp.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Recv reads one datagram into buf and returns its length and source.
// buf should be wire.MaxDatagramSize; longer datagrams are truncated by
// the kernel and will fail envelope verification downstream.
func (c *Conn) Recv(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := c.udp.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("recv: %w", err)
	}
	return n, from, nil
}

// SendTo transmits one datagram to addr. Safe for concurrent use.
func (c *Conn) SendTo(buf []byte, addr netip.AddrPort) error {
	if _, err := c.udp.WriteToUDPAddrPort(buf, addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Close closes the socket, unblocking any pending Recv.
func (c *Conn) Close() error {
	if err := c.udp.Close(); err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Receiver — the socket read loop
// -------------------------------------------------------------------------

// Demuxer routes one decoded envelope to the owning broadcast instance.
// Implemented by rbc.Manager; the interface decouples netio from rbc.
type Demuxer interface {
	// Demux authenticates and routes env. It never returns an error:
	// every failure mode is a silent drop by protocol design.
	Demux(ctx context.Context, env *wire.Envelope)

	// DroppedMalformed records a datagram the codec rejected.
	DroppedMalformed()
}

// Receiver reads datagrams from the shared socket, decodes envelopes and
// hands them to the Demuxer. Codec rejects are dropped here; signature
// verification and routing happen in the Demuxer.
type Receiver struct {
	conn  *Conn
	demux Demuxer
	log   *slog.Logger
}

// NewReceiver creates a Receiver over conn routing to demux.
func NewReceiver(conn *Conn, demux Demuxer, logger *slog.Logger) *Receiver {
	return &Receiver{
		conn:  conn,
		demux: demux,
		log:   logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run reads datagrams until ctx is cancelled. Cancellation closes the
// socket to unblock the pending read; every instance driver is torn down
// by the Demuxer observing the same context.
func (r *Receiver) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = r.conn.Close()
		case <-done:
		}
	}()

	for {
		if err := r.recvOne(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

// recvOne performs a single receive-decode-demux cycle. The pooled buffer
// is returned before demuxing; UnmarshalEnvelope copies payload bytes out.
func (r *Receiver) recvOne(ctx context.Context) error {
	bufp := wire.PacketPool.Get().(*[]byte)
	defer wire.PacketPool.Put(bufp)

	n, from, err := r.conn.Recv(*bufp)
	if err != nil {
		return err
	}

	var env wire.Envelope
	if err := wire.UnmarshalEnvelope((*bufp)[:n], &env); err != nil {
		// Malformed datagrams are the adversary's normal behavior: drop
		// silently, count, log at debug only.
		r.demux.DroppedMalformed()
		r.log.Debug("malformed datagram",
			slog.String("from", from.String()),
			slog.Int("bytes", n),
			slog.String("error", err.Error()),
		)
		return nil
	}

	r.demux.Demux(ctx, &env)
	return nil
}
