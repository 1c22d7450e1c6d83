package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/flexmodel/internal/tensor"
	"github.com/danmuck/flexmodel/internal/testutil/testlog"
	"github.com/danmuck/flexmodel/internal/testutil/tlstest"
)

func TestMutualTLSExchange(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "flexmodel-test-ca")
	loopback := []net.IP{net.ParseIP("127.0.0.1")}
	files := make([]*TLSFiles, 2)
	for rank := range files {
		cert, key := ca.IssuePeerCert(t, dir, fmt.Sprintf("rank-%d", rank), loopback)
		files[rank] = &TLSFiles{CAFile: ca.CAFile(), CertFile: cert, KeyFile: key}
	}

	comms := connectAllWith(t, ctx, 2, func(cfg *Config) {
		cfg.Token = "tok"
		cfg.TLS = files[cfg.Rank]
	})
	if err := comms[1].Send(ctx, 0, tensor.Arange(1, 3)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := comms[0].Recv(ctx, 1)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !got.Equal(tensor.Arange(1, 3)) {
		t.Fatalf("got %v", got)
	}
}

func TestTLSRejectsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(0, []string{"127.0.0.1:0"})
	cfg.TLS = &TLSFiles{
		CAFile:   filepath.Join(dir, "ca.crt"),
		CertFile: filepath.Join(dir, "a.crt"),
		KeyFile:  filepath.Join(dir, "a.key"),
	}
	if _, err := Connect(context.Background(), cfg); err == nil {
		t.Fatalf("expected keypair load error")
	}
}

func TestTLSRejectsForeignAuthority(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	trusted := tlstest.NewAuthority(t, dir, "trusted")
	otherDir := t.TempDir()
	foreign := tlstest.NewAuthority(t, otherDir, "foreign")
	loopback := []net.IP{net.ParseIP("127.0.0.1")}

	cert0, key0 := trusted.IssuePeerCert(t, dir, "rank-0", loopback)
	cert1, key1 := foreign.IssuePeerCert(t, otherDir, "rank-1", loopback)

	lns, addrs := listenersOrSkip(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		cfg := DefaultConfig(0, addrs)
		cfg.Listener = lns[0]
		cfg.TLS = &TLSFiles{CAFile: trusted.CAFile(), CertFile: cert0, KeyFile: key0}
		c, err := Connect(ctx, cfg)
		if c != nil {
			_ = c.Close()
		}
		errc <- err
	}()

	cfg := DefaultConfig(1, addrs)
	cfg.Listener = lns[1]
	cfg.TLS = &TLSFiles{CAFile: foreign.CAFile(), CertFile: cert1, KeyFile: key1}
	c, err := Connect(ctx, cfg)
	if err == nil {
		_ = c.Close()
		t.Fatalf("expected dial against an untrusted authority to fail")
	}
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	cancel()
	if err := <-errc; err == nil {
		t.Fatalf("acceptor should not complete without a trusted peer")
	}
}
