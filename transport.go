// Package mediatransport carries audio/video frames between an
// endpoint and its media server over an unreliable datagram session
// with reliable unidirectional side streams. Outgoing frames are
// fragmented into RTP data packets, protected by adaptive XOR parity,
// and paced onto the wire; the receive side reassembles frames,
// requests retransmission of observed gaps, and recovers single losses
// from parity.
package mediatransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/quicvoice/mediatransport/pkg/buffer"
	"github.com/quicvoice/mediatransport/pkg/fec"
	"github.com/quicvoice/mediatransport/pkg/loss"
	"github.com/quicvoice/mediatransport/pkg/nack"
	"github.com/quicvoice/mediatransport/pkg/pacer"
	"github.com/quicvoice/mediatransport/pkg/packet"
	"github.com/quicvoice/mediatransport/pkg/rtt"
	"github.com/quicvoice/mediatransport/pkg/session"
)

const (
	pingInterval      = 200 * time.Millisecond
	nackInterval      = 10 * time.Millisecond
	housekeepInterval = 50 * time.Millisecond

	pongTimeout    = time.Second
	maxMissedPongs = 5

	cacheMaxAge = 5 * time.Second

	// TimeoutReason is reported through OnDisconnect when the peer
	// stops answering pings.
	TimeoutReason = "Connection timed out"
)

var (
	ErrAlreadyConnected = errors.New("mediatransport: already connected")
	ErrClosed           = errors.New("mediatransport: transport closed")
	ErrTokenRequired    = errors.New("mediatransport: auth token not set")
)

type transportState int

const (
	stateDisconnected transportState = iota
	stateConnected
	stateClosed
)

func (s transportState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Callbacks are owned by the caller; the transport stops invoking them
// after close but never unregisters them.
type Callbacks struct {
	// OnFrameComplete receives each fully reassembled frame.
	OnFrameComplete func(frame []byte)

	// OnReliableMessage receives each complete reliable message (one
	// message per unidirectional stream).
	OnReliableMessage func(msg []byte)

	// OnDisconnect fires exactly once when the session ends for any
	// reason other than a local Disconnect call.
	OnDisconnect func(reason string)
}

// Options tune construction. The zero value is usable.
type Options struct {
	// Logger receives transport logs; defaults to the logrus standard
	// logger.
	Logger *logrus.Logger
}

// ConnectOptions carry per-connection settings.
type ConnectOptions struct {
	// CertHash pins the server certificate by SHA-256 digest; see
	// session.DialOptions.
	CertHash []byte
}

type sendEntry struct {
	raw []byte
	at  time.Time
}

type recvEntry struct {
	pkt *packet.RTP
	at  time.Time
}

type pingEntry struct {
	timer *time.Timer
	at    time.Time
}

// Transport is the client-side media transport. One producer owns one
// transport; it is created disconnected, runs while connected, and
// ends closed. Closed is terminal: a new session needs a new
// Transport.
type Transport struct {
	cb    Callbacks
	log   *logrus.Entry
	id    xid.ID
	epoch time.Time

	// dial is swapped out by tests for an in-memory substrate.
	dial func(ctx context.Context, url, token string, opts session.DialOptions) (session.Session, error)

	mu          sync.Mutex
	state       transportState
	token       string
	sess        session.Session
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time

	nextSeq        uint64
	nextFrameID    uint64
	nextExpectedIn uint64

	sendCache   map[uint64]*sendEntry
	recvCache   map[uint64]*recvEntry
	frames      map[uint64]*buffer.FrameBuffer
	pings       map[uint64]*pingEntry
	missedPongs int

	duplicates       uint64
	framesSent       uint64
	framesDelivered  uint64
	packetsRecovered uint64
	nacksSent        uint64
	nacksReceived    uint64
	txBytes          int64
	rxBytes          int64

	lossEst *loss.Estimator
	rttEst  *rtt.Estimator
	fecEnc  *fec.Encoder
	pc      *pacer.Pacer
	nc      *nack.Controller
}

// New wires a disconnected transport with the given callbacks.
func New(cb Callbacks, opts *Options) *Transport {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := xid.New()
	t := &Transport{
		cb:        cb,
		log:       logger.WithField("transport", id.String()),
		id:        id,
		epoch:     time.Now(),
		dial:      session.Dial,
		state:     stateDisconnected,
		sendCache: make(map[uint64]*sendEntry),
		recvCache: make(map[uint64]*recvEntry),
		frames:    make(map[uint64]*buffer.FrameBuffer),
		pings:     make(map[uint64]*pingEntry),
	}
	t.lossEst = loss.NewEstimator()
	t.rttEst = rtt.NewEstimator()
	t.fecEnc = fec.NewEncoder(t.lossEst)
	t.pc = pacer.New(t.lossEst, t.writeDatagram)
	t.nc = nack.NewController(t.hasReceived, t.rttEst)
	return t
}

// ID is the transport's instance id, also attached to every log line.
func (t *Transport) ID() string {
	return t.id.String()
}

// SetAuthToken stores the bearer token appended to the session URL.
// Must be called before Connect.
func (t *Transport) SetAuthToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// Connect establishes the substrate session and starts the transport's
// loops. A connected transport rejects; a closed one stays closed.
func (t *Transport) Connect(ctx context.Context, url string, opts *ConnectOptions) error {
	t.mu.Lock()
	switch t.state {
	case stateConnected:
		t.mu.Unlock()
		return ErrAlreadyConnected
	case stateClosed:
		t.mu.Unlock()
		return ErrClosed
	}
	token := t.token
	t.mu.Unlock()
	if token == "" {
		return ErrTokenRequired
	}

	var dialOpts session.DialOptions
	if opts != nil {
		dialOpts.CertHash = opts.CertHash
	}
	sess, err := t.dial(ctx, url, token, dialOpts)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state != stateDisconnected {
		st := t.state
		t.mu.Unlock()
		_ = sess.CloseWithError(0, "superseded")
		if st == stateClosed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	t.state = stateConnected
	t.sess = sess
	t.connectedAt = time.Now()
	loopCtx, cancel := context.WithCancel(context.Background())
	t.ctx = loopCtx
	t.cancel = cancel
	t.mu.Unlock()

	t.pc.Start()
	go t.readLoop(loopCtx, sess)
	go t.acceptLoop(loopCtx, sess)
	go t.watchClose(loopCtx, sess)
	go t.tickLoop(loopCtx, pingInterval, t.pingTick)
	go t.tickLoop(loopCtx, nackInterval, t.nackTick)
	go t.tickLoop(loopCtx, housekeepInterval, t.housekeepTick)

	t.log.WithField("url", url).Info("session established")
	return nil
}

// Disconnect closes the session with the given code and reason. It is
// idempotent and never invokes OnDisconnect; that callback is reserved
// for closures the caller did not ask for.
func (t *Transport) Disconnect(code uint32, reason string) {
	t.teardown(code, reason, false)
}

// fail tears the transport down on behalf of a failure path and
// notifies the consumer.
func (t *Transport) fail(reason string) {
	t.teardown(0, reason, true)
}

// teardown is the single exit path: it flips the state to closed,
// clears every cache and timer, resets the estimators, and closes the
// substrate. All errors are swallowed; there is nobody left to tell.
func (t *Transport) teardown(code uint32, reason string, notify bool) {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return
	}
	t.state = stateClosed
	sess := t.sess
	cancel := t.cancel
	timers := make([]*time.Timer, 0, len(t.pings))
	for _, e := range t.pings {
		timers = append(timers, e.timer)
	}
	t.sendCache = make(map[uint64]*sendEntry)
	t.recvCache = make(map[uint64]*recvEntry)
	t.frames = make(map[uint64]*buffer.FrameBuffer)
	t.pings = make(map[uint64]*pingEntry)
	t.missedPongs = 0
	t.lossEst.Reset()
	t.rttEst.Reset()
	t.fecEnc.Reset()
	t.nc.Reset()
	cb := t.cb.OnDisconnect
	t.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	t.pc.Stop()
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.CloseWithError(code, reason)
	}
	t.log.WithField("reason", reason).Info("session closed")
	if notify && cb != nil {
		cb(reason)
	}
}

// watchClose observes substrate-initiated closure.
func (t *Transport) watchClose(ctx context.Context, sess session.Session) {
	select {
	case <-ctx.Done():
	case <-sess.Done():
		info := sess.CloseInfo()
		t.teardown(info.Code, info.Reason, true)
	}
}

func (t *Transport) tickLoop(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (t *Transport) nackTick() {
	t.mu.Lock()
	if t.state != stateConnected {
		t.mu.Unlock()
		return
	}
	due := t.nc.CheckPending()
	t.nacksSent += uint64(len(due))
	sess := t.sess
	t.mu.Unlock()

	for _, n := range due {
		raw, err := packet.Encode(n)
		if err != nil {
			continue
		}
		_ = sess.SendDatagram(raw)
	}
}

// housekeepTick expires cache entries, stale frame buffers, and ping
// records older than cacheMaxAge, by local receive/send time.
func (t *Transport) housekeepTick() {
	t.mu.Lock()
	if t.state != stateConnected {
		t.mu.Unlock()
		return
	}
	cutoff := time.Now().Add(-cacheMaxAge)
	for seq, e := range t.sendCache {
		if e.at.Before(cutoff) {
			delete(t.sendCache, seq)
		}
	}
	for seq, e := range t.recvCache {
		if e.at.Before(cutoff) {
			delete(t.recvCache, seq)
		}
	}
	for id, fb := range t.frames {
		if fb.CreatedAt().Before(cutoff) {
			delete(t.frames, id)
		}
	}
	var timers []*time.Timer
	for ts, e := range t.pings {
		if e.at.Before(cutoff) {
			timers = append(timers, e.timer)
			delete(t.pings, ts)
		}
	}
	t.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	t.nc.Cleanup(cacheMaxAge)
}

// nowMillis is the transport's monotonic millisecond clock, carried in
// PING and RTP timestamps. Receivers treat it as opaque.
func (t *Transport) nowMillis() uint64 {
	return uint64(time.Since(t.epoch) / time.Millisecond)
}

// hasReceived reports receive-cache membership for the NACK
// controller. Only called with t.mu held.
func (t *Transport) hasReceived(seq uint64) bool {
	_, ok := t.recvCache[seq]
	return ok
}

// writeDatagram is the pacer's egress function.
func (t *Transport) writeDatagram(b []byte) error {
	t.mu.Lock()
	sess := t.sess
	connected := t.state == stateConnected
	t.mu.Unlock()
	if !connected || sess == nil {
		return nil
	}
	return sess.SendDatagram(b)
}
