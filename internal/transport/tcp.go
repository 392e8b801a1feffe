package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/pmi/internal/ir"
)

// MaxFrameSize bounds a single encoded command or reply.
const MaxFrameSize = 64 << 20

// DefaultDialTimeout bounds how long a worker keeps retrying to reach the
// controller.
const DefaultDialTimeout = 30 * time.Second

// TCPConfig describes one rank of a TCP star rooted at the controller.
type TCPConfig struct {
	Rank int
	Size int
	Root int
	// Addr is the controller's listen address; workers dial it.
	Addr string
	// DialTimeout bounds the worker's dial retries. Default: DefaultDialTimeout.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (c *TCPConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default().With("rank", c.Rank)
}

type hello struct {
	Rank    int    `json:"rank"`
	Size    int    `json:"size"`
	Version string `json:"version"`
}

// TCP is one rank's endpoint of a star topology. The root holds one
// connection per worker; every worker holds one connection to the root.
// Collectives may only be rooted at the star's root.
type TCP struct {
	rank  int
	size  int
	root  int
	peers map[int]*peerConn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*TCP)(nil)

// TCPListener accepts the workers of a TCP group on the root rank.
type TCPListener struct {
	cfg TCPConfig
	ln  net.Listener
}

// ListenTCP opens the root's listening socket.
func ListenTCP(cfg TCPConfig) (*TCPListener, error) {
	if cfg.Rank != cfg.Root {
		return nil, fmt.Errorf("listen: rank %d is not the root %d", cfg.Rank, cfg.Root)
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return &TCPListener{cfg: cfg, ln: ln}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits until every worker rank connected and introduced itself,
// then closes the listener.
func (l *TCPListener) Accept(ctx context.Context) (*TCP, error) {
	defer l.ln.Close()
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	log := l.cfg.logger()
	t := newTCP(l.cfg)

	for len(t.peers) < l.cfg.Size-1 {
		conn, err := l.ln.Accept()
		if err != nil {
			t.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("accept workers (%d/%d connected): %w", len(t.peers), l.cfg.Size-1, ctx.Err())
			}
			return nil, fmt.Errorf("accept: %w", err)
		}

		pc := newPeerConn(-1, conn)
		h, err := readHello(ctx, pc)
		if err != nil {
			log.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}
		if h.Version != ir.WireVersion {
			log.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "peer_rank", h.Rank, "wire_version", h.Version)
			conn.Close()
			continue
		}
		if h.Size != l.cfg.Size || h.Rank < 0 || h.Rank >= l.cfg.Size || h.Rank == l.cfg.Root {
			log.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "peer_rank", h.Rank, "peer_size", h.Size)
			conn.Close()
			continue
		}
		if _, dup := t.peers[h.Rank]; dup {
			log.Warn("rejecting duplicate rank", "peer_rank", h.Rank)
			conn.Close()
			continue
		}
		pc.rank = h.Rank
		t.peers[h.Rank] = pc
		log.Debug("worker connected", "peer_rank", h.Rank, "connected", len(t.peers))
	}

	log.Info("all workers connected", "workers", len(t.peers))
	return t, nil
}

// DialTCP connects a worker rank to the root, retrying with exponential
// back-off until DialTimeout elapses or ctx is done.
func DialTCP(ctx context.Context, cfg TCPConfig) (*TCP, error) {
	if cfg.Rank == cfg.Root {
		return nil, fmt.Errorf("dial: rank %d is the root", cfg.Rank)
	}
	log := cfg.logger()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = cfg.DialTimeout
	if policy.MaxElapsedTime == 0 {
		policy.MaxElapsedTime = DefaultDialTimeout
	}

	attempt := 1
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			log.Info("waiting for the controller", "addr", cfg.Addr, "attempt", attempt)
			attempt++
			return nil, err
		}
		return c, nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial controller %s: %w", cfg.Addr, err)
	}

	t := newTCP(cfg)
	pc := newPeerConn(cfg.Root, conn)
	data, err := json.Marshal(hello{Rank: cfg.Rank, Size: cfg.Size, Version: ir.WireVersion})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.writeFrame(ctx, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("introduce to controller: %w", err)
	}
	t.peers[cfg.Root] = pc
	return t, nil
}

func newTCP(cfg TCPConfig) *TCP {
	return &TCP{
		rank:   cfg.Rank,
		size:   cfg.Size,
		root:   cfg.Root,
		peers:  make(map[int]*peerConn),
		closed: make(chan struct{}),
	}
}

func readHello(ctx context.Context, pc *peerConn) (hello, error) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := pc.readFrame(hctx)
	if err != nil {
		return hello{}, err
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return hello{}, fmt.Errorf("bad hello: %w", err)
	}
	return h, nil
}

// Rank implements Transport.
func (t *TCP) Rank() int { return t.rank }

// Size implements Transport.
func (t *TCP) Size() int { return t.size }

// Broadcast implements Transport. The root writes to every worker in
// parallel.
func (t *TCP) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := t.check(root); err != nil {
		return nil, err
	}
	if t.rank != root {
		data, err := t.peers[root].readFrame(ctx)
		return data, t.classify(err)
	}

	p := newPool(ctx)
	for _, pc := range t.peers {
		p.Go(func(ctx context.Context) error {
			return pc.writeFrame(ctx, payload)
		})
	}
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("broadcast: %w", t.classify(err))
	}
	return payload, nil
}

// Gather implements Transport. The root reads every worker in parallel.
func (t *TCP) Gather(ctx context.Context, root int, payload []byte) ([][]byte, error) {
	if err := t.check(root); err != nil {
		return nil, err
	}
	if t.rank != root {
		return nil, t.classify(t.peers[root].writeFrame(ctx, payload))
	}

	out := make([][]byte, t.size)
	out[root] = payload
	var mu sync.Mutex
	p := newPool(ctx)
	for r, pc := range t.peers {
		p.Go(func(ctx context.Context) error {
			data, err := pc.readFrame(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			out[r] = data
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("gather: %w", t.classify(err))
	}
	return out, nil
}

// Close implements Transport. It is idempotent.
func (t *TCP) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.closed)
		for _, pc := range t.peers {
			if err := pc.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (t *TCP) check(root int) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if root != t.root {
		return fmt.Errorf("%w: %d (star rooted at %d)", ErrUnsupportedRoot, root, t.root)
	}
	return nil
}

// classify maps socket failures after a local Close to ErrClosed.
func (t *TCP) classify(err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
		return err
	}
}

// peerConn frames messages on one connection. Reads and writes may run
// concurrently; each direction has its own lock and deadline.
type peerConn struct {
	rank int
	conn net.Conn
	r    *bufio.Reader

	rmu sync.Mutex
	wmu sync.Mutex
}

func newPeerConn(rank int, conn net.Conn) *peerConn {
	return &peerConn{rank: rank, conn: conn, r: bufio.NewReader(conn)}
}

func (c *peerConn) writeFrame(ctx context.Context, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), MaxFrameSize)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.io(ctx, c.conn.SetWriteDeadline, func() error {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
		if _, err := c.conn.Write(hdr[:]); err != nil {
			return err
		}
		_, err := c.conn.Write(data)
		return err
	})
}

func (c *peerConn) readFrame(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var data []byte
	err := c.io(ctx, c.conn.SetReadDeadline, func() error {
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxFrameSize {
			return fmt.Errorf("frame of %d bytes exceeds limit %d", n, MaxFrameSize)
		}
		data = make([]byte, n)
		_, err := io.ReadFull(c.r, data)
		return err
	})
	return data, err
}

// io runs fn with the context's deadline applied to the socket and
// interrupts it when ctx is cancelled. Any other failure means the peer
// is gone.
func (c *peerConn) io(ctx context.Context, setDeadline func(time.Time) error, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dl, _ := ctx.Deadline()
	if err := setDeadline(dl); err != nil {
		return fmt.Errorf("%w: rank %d: %v", ErrPeerLost, c.rank, err)
	}
	stop := context.AfterFunc(ctx, func() { setDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := fn(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return fmt.Errorf("%w: rank %d: %v", ErrPeerLost, c.rank, err)
	}
	return nil
}
