package pool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"bdt/bid"
	"bdt/errs"
)

// QuicDialer is the production ConnProvider: it resolves a remote
// device's socket address through a tunnel container and opens (or
// reuses) one QUIC connection to it per device, per this package's
// doc comment decision to carry pooled streams over quic-go rather
// than over the tunnel's own encrypted datagram path.
type QuicDialer struct {
	containers ContainerLookup
	tlsConf    *tls.Config
	quicConf   *quic.Config

	mu    sync.Mutex
	conns map[bid.DeviceId]quic.Connection
}

// NewQuicDialer builds a dialer that looks up a device's current
// default tunnel endpoint through containers to get a dial address.
func NewQuicDialer(containers ContainerLookup, tlsConf *tls.Config) *QuicDialer {
	if tlsConf == nil {
		tlsConf = InsecureClientTLSConfig()
	}
	return &QuicDialer{
		containers: containers,
		tlsConf:    tlsConf,
		quicConf:   &quic.Config{KeepAlivePeriod: 15 * time.Second},
		conns:      make(map[bid.DeviceId]quic.Connection),
	}
}

func (d *QuicDialer) Conn(ctx context.Context, remote bid.DeviceId) (Conn, error) {
	d.mu.Lock()
	if c, ok := d.conns[remote]; ok {
		d.mu.Unlock()
		return QuicConn{c}, nil
	}
	d.mu.Unlock()

	container := d.containers(remote)
	if container == nil {
		return nil, errs.New(errs.NotFound, "pool: no tunnel container for remote")
	}
	t := container.Default()
	if t == nil {
		return nil, errs.New(errs.ErrorState, "pool: remote has no active tunnel")
	}

	conn, err := quic.DialAddr(ctx, t.Remote().NetAddr(), d.tlsConf, d.quicConf)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionRefused, "pool: quic dial failed", err)
	}

	d.mu.Lock()
	d.conns[remote] = conn
	d.mu.Unlock()
	return QuicConn{conn}, nil
}

// Forget drops a cached connection, e.g. after the pool reports it
// dead, so the next Conn call redials.
func (d *QuicDialer) Forget(remote bid.DeviceId) {
	d.mu.Lock()
	delete(d.conns, remote)
	d.mu.Unlock()
}

// ListenConfig builds a *quic.Listener bound to addr using a
// self-signed certificate, for the inbound side of a pool port. Nodes
// authenticate each other at the BDT handshake layer (spec §4.3's key
// exchange), not through the QUIC/TLS certificate chain, so a
// self-signed leaf generated at startup is sufficient here.
func ListenConfig(addr string) (*quic.Listener, error) {
	tlsConf, err := selfSignedServerTLSConfig()
	if err != nil {
		return nil, errs.Wrap(errs.Failed, "pool: generating self-signed cert", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{KeepAlivePeriod: 15 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.Failed, "pool: quic listen failed", err)
	}
	return ln, nil
}

func selfSignedServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"bdt-pool"},
	}, nil
}

// InsecureClientTLSConfig skips chain verification on the client side,
// mirroring the server's self-signed-by-design posture above.
func InsecureClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"bdt-pool"}}
}
