package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// DialOptions configures the WebTransport session.
type DialOptions struct {
	// CertHash, when set, pins the server's leaf certificate to the
	// given SHA-256 digest instead of relying on the CA pool. This is
	// the dialer-side counterpart of WebTransport's
	// serverCertificateHashes.
	CertHash []byte

	// TLSClientConfig overrides the TLS configuration. CertHash still
	// applies on top of it.
	TLSClientConfig *tls.Config
}

// Dial establishes a WebTransport session against rawURL with the
// bearer token appended as a query parameter, and returns it behind
// the Session interface.
func Dial(ctx context.Context, rawURL, token string, opts DialOptions) (Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("session: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	tlsConf := opts.TLSClientConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(opts.CertHash) > 0 {
		pinCertHash(tlsConf, opts.CertHash)
	}

	d := webtransport.Dialer{
		TLSClientConfig: tlsConf,
		QUICConfig: &quic.Config{
			EnableDatagrams: true,
		},
	}
	rsp, sess, err := d.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}
	if rsp != nil && rsp.Body != nil {
		rsp.Body.Close()
	}

	w := &webTransportSession{sess: sess, done: make(chan struct{})}
	go w.watch()
	return w, nil
}

// pinCertHash disables chain verification and instead compares the
// SHA-256 of the presented leaf certificate against hash.
func pinCertHash(conf *tls.Config, hash []byte) {
	conf.InsecureSkipVerify = true
	conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("session: no peer certificate")
		}
		sum := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(sum[:], hash) {
			return errors.New("session: certificate hash mismatch")
		}
		return nil
	}
}

type webTransportSession struct {
	sess *webtransport.Session
	done chan struct{}
	info CloseInfo
}

// watch waits for the underlying session to end and records the close
// code and reason before signalling Done.
func (w *webTransportSession) watch() {
	<-w.sess.Context().Done()
	err := context.Cause(w.sess.Context())
	var sessErr *webtransport.SessionError
	switch {
	case errors.As(err, &sessErr):
		w.info = CloseInfo{Code: uint32(sessErr.ErrorCode), Reason: sessErr.Message}
	case err != nil:
		w.info = CloseInfo{Reason: err.Error()}
	}
	close(w.done)
}

func (w *webTransportSession) SendDatagram(b []byte) error {
	return w.sess.SendDatagram(b)
}

func (w *webTransportSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return w.sess.ReceiveDatagram(ctx)
}

func (w *webTransportSession) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	return w.sess.OpenUniStreamSync(ctx)
}

func (w *webTransportSession) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	return w.sess.AcceptUniStream(ctx)
}

func (w *webTransportSession) CloseWithError(code uint32, reason string) error {
	return w.sess.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (w *webTransportSession) Done() <-chan struct{} {
	return w.done
}

func (w *webTransportSession) CloseInfo() CloseInfo {
	return w.info
}
