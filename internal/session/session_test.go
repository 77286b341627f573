package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisjeane/PrixFixe-sub001/internal/transport"
)

type recordingHandler struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (h *recordingHandler) Deliver(_ context.Context, env Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
	return h.err
}

func (h *recordingHandler) last() Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.envs[len(h.envs)-1]
}

// clientSession wraps the client half of a net.Pipe with line-oriented
// helpers for driving an SMTP conversation in tests.
type clientSession struct {
	conn net.Conn
	r    *bufio.Reader
}

func newClientSession(conn net.Conn) *clientSession {
	return &clientSession{conn: conn, r: bufio.NewReader(conn)}
}

func (c *clientSession) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func (c *clientSession) expectLine(t *testing.T, prefix string) string {
	t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, prefix), "got %q, want prefix %q", line, prefix)
	return line
}

// drainMultiline reads all lines of a multi-line reply such as EHLO's (hyphen-separated
// lines followed by a final space-separated line).
func (c *clientSession) drainMultiline(t *testing.T, code string) {
	t.Helper()
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, code))
		if len(line) > 3 && line[3] == ' ' {
			return
		}
	}
}

func newTestPair(cfg Config, handler Handler) (*Session, *clientSession, func()) {
	serverRaw, clientRaw := net.Pipe()
	conn := transport.New(serverRaw)
	s := New(conn, cfg, handler, nil, nil)
	cs := newClientSession(clientRaw)
	cleanup := func() {
		serverRaw.Close()
		clientRaw.Close()
	}
	return s, cs, cleanup
}

func TestHappyPathDeliversEnvelope(t *testing.T) {
	handler := &recordingHandler{}
	cfg := Config{Domain: "mail.example.com", MaxMessageSize: 1 << 20}
	s, cs, cleanup := newTestPair(cfg, handler)
	defer cleanup()

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	cs.expectLine(t, "220")
	cs.send(t, "EHLO client.test")
	cs.drainMultiline(t, "250")
	cs.send(t, "MAIL FROM:<a@x>")
	cs.expectLine(t, "250")
	cs.send(t, "RCPT TO:<b@y>")
	cs.expectLine(t, "250")
	cs.send(t, "DATA")
	cs.expectLine(t, "354")
	cs.send(t, "Subject: Hi")
	cs.send(t, "")
	cs.send(t, "Hello")
	cs.send(t, ".")
	cs.expectLine(t, "250")
	cs.send(t, "QUIT")
	cs.expectLine(t, "221")

	<-done
	env := handler.last()
	assert.Equal(t, "a@x", env.ReversePath)
	assert.Equal(t, []string{"b@y"}, env.Recipients)
	assert.Equal(t, "Subject: Hi\r\n\r\nHello\r\n", string(env.Body))
}

func TestBadSequenceBeforeHelo(t *testing.T) {
	handler := &recordingHandler{}
	s, cs, cleanup := newTestPair(Config{Domain: "mail.example.com"}, handler)
	defer cleanup()

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	cs.expectLine(t, "220")
	cs.send(t, "MAIL FROM:<a@x>")
	cs.expectLine(t, "503")
	cs.send(t, "QUIT")
	cs.expectLine(t, "221")
	<-done
}

func TestOversizeMessageReturns552AndResumesSession(t *testing.T) {
	handler := &recordingHandler{}
	cfg := Config{Domain: "mail.example.com", MaxMessageSize: 10}
	s, cs, cleanup := newTestPair(cfg, handler)
	defer cleanup()

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	cs.expectLine(t, "220")
	cs.send(t, "EHLO client.test")
	cs.drainMultiline(t, "250")
	cs.send(t, "MAIL FROM:<a@x>")
	cs.expectLine(t, "250")
	cs.send(t, "RCPT TO:<b@y>")
	cs.expectLine(t, "250")
	cs.send(t, "DATA")
	cs.expectLine(t, "354")
	cs.send(t, "this line alone is already more than ten bytes long")
	cs.send(t, ".")
	cs.expectLine(t, "552")

	// session must still be alive and back in GREETED, accepting a new
	// transaction.
	cs.send(t, "MAIL FROM:<c@z>")
	cs.expectLine(t, "250")
	cs.send(t, "QUIT")
	cs.expectLine(t, "221")
	<-done
	assert.Empty(t, handler.envs)
}

func TestHandlerErrorReturns451(t *testing.T) {
	handler := &recordingHandler{err: errors.New("delivery failed")}
	cfg := Config{Domain: "mail.example.com", MaxMessageSize: 1 << 20}
	s, cs, cleanup := newTestPair(cfg, handler)
	defer cleanup()

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	cs.expectLine(t, "220")
	cs.send(t, "EHLO client.test")
	cs.drainMultiline(t, "250")
	cs.send(t, "MAIL FROM:<a@x>")
	cs.expectLine(t, "250")
	cs.send(t, "RCPT TO:<b@y>")
	cs.expectLine(t, "250")
	cs.send(t, "DATA")
	cs.expectLine(t, "354")
	cs.send(t, "hi")
	cs.send(t, ".")
	cs.expectLine(t, "451")
	cs.send(t, "QUIT")
	cs.expectLine(t, "221")
	<-done
}

func TestLineTooLongClosesConnection(t *testing.T) {
	handler := &recordingHandler{}
	cfg := Config{Domain: "mail.example.com", MaxCommandLength: 16}
	s, cs, cleanup := newTestPair(cfg, handler)
	defer cleanup()

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	cs.expectLine(t, "220")
	cs.send(t, "EHLO this-domain-is-too-long-for-the-limit")
	cs.expectLine(t, "500")

	<-done
}

func TestCommandTimeoutClosesConnection(t *testing.T) {
	handler := &recordingHandler{}
	cfg := Config{Domain: "mail.example.com", CommandTimeout: 30 * time.Millisecond}
	s, cs, cleanup := newTestPair(cfg, handler)
	defer cleanup()

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	cs.expectLine(t, "220")
	cs.expectLine(t, "421")
	<-done
}

func TestStartTLSUpgradeThenRequiresFreshEHLO(t *testing.T) {
	handler := &recordingHandler{}
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()
	conn := transport.New(serverRaw)

	cert := selfSignedCert(t)
	serverTLSCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	cfg := Config{Domain: "mail.example.com", TLSEnabled: true}
	s := New(conn, cfg, handler, nil, func(ctx context.Context) error {
		return conn.StartTLS(ctx, serverTLSCfg)
	})
	cs := newClientSession(clientRaw)

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	cs.expectLine(t, "220")
	cs.send(t, "EHLO client.test")
	cs.drainMultiline(t, "250")
	cs.send(t, "STARTTLS")
	cs.expectLine(t, "220")

	clientTLSConn := tls.Client(clientRaw, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, clientTLSConn.Handshake())

	tlsClient := newClientSession(clientTLSConn)
	tlsClient.send(t, "MAIL FROM:<a@x>")
	tlsClient.expectLine(t, "503")
	tlsClient.send(t, "QUIT")
	tlsClient.expectLine(t, "221")
	<-done
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mail.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
