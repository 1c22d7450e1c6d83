package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSFiles enables mutual TLS. Every rank presents the same certificate
// for accepting and dialing, so it must carry both server and client
// usage, and every peer is verified against CAFile.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

type tlsConfigs struct {
	server *tls.Config
	client *tls.Config
}

func loadTLS(files *TLSFiles) (*tlsConfigs, error) {
	if files == nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tcp: load tls keypair: %w", err)
	}
	caPEM, err := os.ReadFile(files.CAFile)
	if err != nil {
		return nil, fmt.Errorf("tcp: read tls ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("tcp: parse tls ca bundle: %s", files.CAFile)
	}
	return &tlsConfigs{
		server: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    pool,
		},
		client: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
		},
	}, nil
}

// clientFor returns the dial config for addr, verifying the peer's
// certificate against addr's host.
func (t *tlsConfigs) clientFor(host string) *tls.Config {
	cfg := t.client.Clone()
	cfg.ServerName = host
	return cfg
}
