// Package tcp connects ranks in separate processes over TCP using the
// protocol framing. Every pair of ranks shares one connection: the higher
// rank dials, the lower rank accepts, and both sides exchange a hello frame
// carrying the session token before any tensor is sent.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/flexmodel/internal/auth"
	"github.com/danmuck/flexmodel/internal/protocol"
	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed       = errors.New("tcp: communicator closed")
	ErrPeerRange    = errors.New("tcp: peer rank out of range")
	ErrHandshake    = errors.New("tcp: handshake failed")
	ErrUnexpectedID = errors.New("tcp: frame from unexpected rank")
)

type peer struct {
	rank  int
	conn  net.Conn
	inbox chan *tensor.Tensor

	wmu sync.Mutex
	seq uint64

	done chan struct{}
	err  error // valid once done is closed
}

// Communicator is a connected rank. It satisfies distributed.Communicator.
type Communicator struct {
	cfg       Config
	tls       *tlsConfigs
	ln        net.Listener
	validator auth.Validator

	mu    sync.Mutex
	peers []*peer

	closeOnce sync.Once
	closed    chan struct{}
	readers   sync.WaitGroup
}

// Connect listens, dials every lower rank, accepts every higher rank and
// returns once the full mesh of connections is up. The listener, including
// one passed in cfg, is owned by the communicator.
func Connect(ctx context.Context, cfg Config) (*Communicator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := loadTLS(cfg.TLS)
	if err != nil {
		if cfg.Listener != nil {
			_ = cfg.Listener.Close()
		}
		return nil, err
	}
	ln := cfg.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Peers[cfg.Rank])
		if err != nil {
			return nil, fmt.Errorf("tcp: listen %s: %w", cfg.Peers[cfg.Rank], err)
		}
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg.server)
	}
	c := &Communicator{
		cfg:       cfg,
		tls:       tlsCfg,
		ln:        ln,
		validator: auth.ForToken(cfg.Token, cfg.Insecure),
		peers:     make([]*peer, len(cfg.Peers)),
		closed:    make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	if higher := len(cfg.Peers) - cfg.Rank - 1; higher > 0 {
		g.Go(func() error { return c.acceptPeers(gctx, higher) })
	} else {
		_ = ln.Close()
	}
	for r := 0; r < cfg.Rank; r++ {
		g.Go(func() error { return c.dialPeer(gctx, r) })
	}
	if err := g.Wait(); err != nil {
		c.Close()
		return nil, err
	}

	for _, p := range c.peers {
		if p == nil {
			continue
		}
		c.readers.Add(1)
		go c.readLoop(p)
	}
	log.Info().
		Int("rank", cfg.Rank).
		Int("world", len(cfg.Peers)).
		Msg("tcp.Connect: mesh established")
	return c, nil
}

func (c *Communicator) Rank() int      { return c.cfg.Rank }
func (c *Communicator) WorldSize() int { return len(c.cfg.Peers) }

func (c *Communicator) Send(ctx context.Context, dst int, t *tensor.Tensor) error {
	p, err := c.peer(dst)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(dl)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	p.seq++
	if err := protocol.Encode(p.conn, protocol.EncodeTensor(p.seq, c.cfg.Rank, t), c.cfg.Limits); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tcp: send %d->%d: %w", c.cfg.Rank, dst, err)
	}
	return nil
}

func (c *Communicator) Recv(ctx context.Context, src int) (*tensor.Tensor, error) {
	p, err := c.peer(src)
	if err != nil {
		return nil, err
	}
	select {
	case t := <-p.inbox:
		return t, nil
	case <-p.done:
		select {
		case t := <-p.inbox:
			return t, nil
		default:
		}
		return nil, fmt.Errorf("tcp: recv %d<-%d: %w", c.cfg.Rank, src, p.err)
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the listener and every peer connection and waits for
// the reader goroutines.
func (c *Communicator) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ln.Close()
		c.mu.Lock()
		for _, p := range c.peers {
			if p != nil {
				_ = p.conn.Close()
			}
		}
		c.mu.Unlock()
		c.readers.Wait()
	})
	return nil
}

func (c *Communicator) peer(rank int) (*peer, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	if rank < 0 || rank >= len(c.peers) || rank == c.cfg.Rank {
		return nil, fmt.Errorf("%w: %d (self=%d world=%d)", ErrPeerRange, rank, c.cfg.Rank, len(c.peers))
	}
	return c.peers[rank], nil
}

func (c *Communicator) addPeer(rank int, conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peers[rank] != nil {
		return fmt.Errorf("%w: duplicate connection from rank %d", ErrHandshake, rank)
	}
	c.peers[rank] = &peer{
		rank:  rank,
		conn:  conn,
		inbox: make(chan *tensor.Tensor, c.cfg.MailboxDepth),
		done:  make(chan struct{}),
	}
	return nil
}

func (c *Communicator) acceptPeers(ctx context.Context, want int) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ln.Close() })
	defer stop()
	defer c.ln.Close()

	for got := 0; got < want; {
		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("tcp: accept: %w", ctx.Err())
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}
		rank, err := c.acceptHandshake(conn)
		if err == nil {
			err = c.addPeer(rank, conn)
		}
		if err != nil {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("tcp.accept: rejected")
			_ = conn.Close()
			continue
		}
		got++
	}
	return nil
}

func (c *Communicator) dialPeer(ctx context.Context, rank int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(c.cfg.Rank*len(c.peers)+rank)))
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	for attempt := 1; ; attempt++ {
		conn, err := c.dial(ctx, &d, c.cfg.Peers[rank])
		if err == nil {
			if err := c.dialHandshake(conn, rank); err != nil {
				_ = conn.Close()
				return err
			}
			return c.addPeer(rank, conn)
		}
		var certErr *tls.CertificateVerificationError
		if errors.As(err, &certErr) {
			return fmt.Errorf("%w: rank %d certificate: %w", ErrHandshake, rank, err)
		}
		delay := NextBackoffDelay(c.cfg.Backoff, attempt, rng)
		log.Debug().
			Int("rank", c.cfg.Rank).
			Int("peer", rank).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("tcp.dial: retry")
		select {
		case <-ctx.Done():
			return fmt.Errorf("tcp: dial rank %d: %w", rank, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (c *Communicator) dial(ctx context.Context, d *net.Dialer, addr string) (net.Conn, error) {
	if c.tls == nil {
		return d.DialContext(ctx, "tcp", addr)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	td := tls.Dialer{NetDialer: d, Config: c.tls.clientFor(host)}
	return td.DialContext(ctx, "tcp", addr)
}

func (c *Communicator) hello() *protocol.Message {
	return protocol.EncodeHello(protocol.Hello{Rank: c.cfg.Rank, WorldSize: len(c.cfg.Peers), Token: c.cfg.Token})
}

func (c *Communicator) readHello(conn net.Conn) (protocol.Hello, error) {
	msg, err := protocol.Decode(conn, c.cfg.Limits)
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	h, err := protocol.DecodeHello(msg)
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.validator.Validate(h.Token); err != nil {
		return protocol.Hello{}, fmt.Errorf("%w: rank %d: %w", ErrHandshake, h.Rank, err)
	}
	if h.WorldSize != len(c.cfg.Peers) {
		return protocol.Hello{}, fmt.Errorf("%w: rank %d reports world %d, want %d", ErrHandshake, h.Rank, h.WorldSize, len(c.cfg.Peers))
	}
	return h, nil
}

func (c *Communicator) dialHandshake(conn net.Conn, want int) error {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := protocol.Encode(conn, c.hello(), c.cfg.Limits); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	h, err := c.readHello(conn)
	if err != nil {
		return err
	}
	if h.Rank != want {
		return fmt.Errorf("%w: dialed rank %d, answered by %d", ErrHandshake, want, h.Rank)
	}
	return nil
}

func (c *Communicator) acceptHandshake(conn net.Conn) (int, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	h, err := c.readHello(conn)
	if err != nil {
		return 0, err
	}
	if h.Rank <= c.cfg.Rank || h.Rank >= len(c.cfg.Peers) {
		return 0, fmt.Errorf("%w: rank %d may not dial rank %d", ErrHandshake, h.Rank, c.cfg.Rank)
	}
	if err := protocol.Encode(conn, c.hello(), c.cfg.Limits); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return h.Rank, nil
}

func (c *Communicator) readLoop(p *peer) {
	defer c.readers.Done()
	defer close(p.done)
	for {
		msg, err := protocol.Decode(p.conn, c.cfg.Limits)
		if err != nil {
			p.err = err
			return
		}
		src, t, err := protocol.DecodeTensor(msg)
		if err != nil {
			p.err = err
			return
		}
		if src != p.rank {
			p.err = fmt.Errorf("%w: %d on connection to %d", ErrUnexpectedID, src, p.rank)
			return
		}
		select {
		case p.inbox <- t:
		case <-c.closed:
			p.err = ErrClosed
			return
		}
	}
}
