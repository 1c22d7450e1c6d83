package tcp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/flexmodel/internal/protocol"
)

var ErrInvalidConfig = errors.New("tcp: invalid config")

// Config describes one rank's place in a TCP world.
type Config struct {
	Rank  int
	Peers []string // listen address by rank; len(Peers) is the world size

	Token    string
	Insecure bool // accept any token when Token is empty

	// TLS, when set, wraps every connection in mutual TLS.
	TLS *TLSFiles

	// Listener replaces listening on Peers[Rank] when set.
	Listener net.Listener

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	MailboxDepth     int
	Backoff          BackoffConfig
	Limits           protocol.Limits
}

// DefaultConfig returns dial and handshake defaults for rank over peers.
func DefaultConfig(rank int, peers []string) Config {
	return Config{
		Rank:             rank,
		Peers:            peers,
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MailboxDepth:     64,
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		Limits: protocol.DefaultLimits(),
	}
}

func (c Config) validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("%w: no peers", ErrInvalidConfig)
	}
	if c.Rank < 0 || c.Rank >= len(c.Peers) {
		return fmt.Errorf("%w: rank %d outside %d peers", ErrInvalidConfig, c.Rank, len(c.Peers))
	}
	if c.Listener == nil && c.Peers[c.Rank] == "" {
		return fmt.Errorf("%w: rank %d has no listen address", ErrInvalidConfig, c.Rank)
	}
	if c.MailboxDepth < 1 {
		return fmt.Errorf("%w: mailbox depth %d", ErrInvalidConfig, c.MailboxDepth)
	}
	return nil
}
