package lwm2m

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v2"
)

// CredentialSource resolves the security credentials for a remote address.
// The client wires it to its Security object instances.
type CredentialSource func(addr string) (*SecurityInstance, error)

// dtlsEndpoint is the PSK or RPK endpoint: one DTLS session per remote
// address, all feeding the shared CoAP message engine.
type dtlsEndpoint struct {
	*coapEndpoint

	credentials CredentialSource

	connMu sync.Mutex
	conns  map[string]*dtlsSession
}

type dtlsSession struct {
	conn net.Conn
	done chan struct{}
}

// newDTLSEndpoint creates a PSK or RPK endpoint. Sessions are dialed
// lazily by Connect.
func newDTLSEndpoint(mode SecurityMode, credentials CredentialSource, log Logger) (*dtlsEndpoint, error) {
	if mode != SecurityModePSK && mode != SecurityModeRPK {
		return nil, ErrNotSupported
	}

	d := &dtlsEndpoint{
		coapEndpoint: newCoapEndpoint(mode, log),
		credentials:  credentials,
		conns:        make(map[string]*dtlsSession),
	}
	d.writeTo = d.write
	d.connect = d.dial
	d.closeConns = d.closeAll
	return d, nil
}

func (d *dtlsEndpoint) dial(addr string) error {
	d.connMu.Lock()
	_, ok := d.conns[addr]
	d.connMu.Unlock()
	if ok {
		return nil
	}

	creds, err := d.credentials(addr)
	if err != nil {
		return err
	}
	if creds.Mode != d.mode {
		return ErrSchemeMismatch
	}

	config, err := dtlsConfig(creds)
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}

	conn, err := piondtls.Dial("udp", udpAddr, config)
	if err != nil {
		return fmt.Errorf("dtls handshake with %s: %w", addr, err)
	}

	sess := &dtlsSession{conn: conn, done: make(chan struct{})}

	d.connMu.Lock()
	if _, ok := d.conns[addr]; ok {
		d.connMu.Unlock()
		conn.Close()
		return nil
	}
	d.conns[addr] = sess
	d.connMu.Unlock()

	go d.readLoop(addr, sess)
	return nil
}

func (d *dtlsEndpoint) write(addr string, data []byte) error {
	d.connMu.Lock()
	sess, ok := d.conns[addr]
	d.connMu.Unlock()
	if !ok {
		return fmt.Errorf("no dtls session with %s", addr)
	}
	_, err := sess.conn.Write(data)
	return err
}

func (d *dtlsEndpoint) closeAll() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	var firstErr error
	for addr, sess := range d.conns {
		close(sess.done)
		if err := sess.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, addr)
	}
	return firstErr
}

func (d *dtlsEndpoint) readLoop(addr string, sess *dtlsSession) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := sess.conn.Read(buf)
		if err != nil {
			select {
			case <-sess.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn("dtls read failed", LogFields{LogFieldAddr: addr, LogFieldError: err})
			d.connMu.Lock()
			delete(d.conns, addr)
			d.connMu.Unlock()
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		d.handleDatagram(data, addr)
	}
}

// dtlsConfig builds the pion/dtls configuration for one server credential.
func dtlsConfig(creds *SecurityInstance) (*piondtls.Config, error) {
	switch creds.Mode {
	case SecurityModePSK:
		if len(creds.PublicKeyOrIdentity) == 0 || len(creds.SecretKey) == 0 {
			return nil, fmt.Errorf("%w: psk identity and key required", ErrNotSupported)
		}
		secret := append([]byte(nil), creds.SecretKey...)
		return &piondtls.Config{
			PSK: func(hint []byte) ([]byte, error) {
				return secret, nil
			},
			PSKIdentityHint: append([]byte(nil), creds.PublicKeyOrIdentity...),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
		}, nil

	case SecurityModeRPK:
		cert, err := rpkCertificate(creds)
		if err != nil {
			return nil, err
		}
		serverKey := append([]byte(nil), creds.ServerPublicKey...)
		return &piondtls.Config{
			Certificates:       []tls.Certificate{cert},
			CipherSuites:       []piondtls.CipherSuiteID{piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8},
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				return verifyRawPublicKey(rawCerts, serverKey)
			},
		}, nil

	default:
		return nil, ErrNotSupported
	}
}

// rpkCertificate wraps the client's raw EC key pair in a self-signed
// certificate, the form pion/dtls can carry it in.
func rpkCertificate(creds *SecurityInstance) (tls.Certificate, error) {
	priv, err := x509.ParseECPrivateKey(creds.SecretKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("rpk private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "lwm2m-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(87600 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// verifyRawPublicKey checks that the peer's certificate carries the
// configured server public key.
func verifyRawPublicKey(rawCerts [][]byte, serverKey []byte) error {
	if len(serverKey) == 0 {
		return nil
	}
	if len(rawCerts) == 0 {
		return errors.New("no peer certificate")
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("peer key is not ecdsa")
	}
	raw, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}
	if !bytes.Equal(raw, serverKey) {
		return errors.New("server public key mismatch")
	}
	return nil
}
