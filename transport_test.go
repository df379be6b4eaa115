package mediatransport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quicvoice/mediatransport/pkg/packet"
	"github.com/quicvoice/mediatransport/pkg/session"
)

// fakeSession is an in-memory substrate: datagrams written by the
// transport land in sent, datagrams pushed to incoming reach its read
// loop, and readers pushed to accept reach its reliable-stream loop.
type fakeSession struct {
	mu         sync.Mutex
	sent       [][]byte
	closeCalls int
	info       session.CloseInfo
	streams    []*fakeStream

	incoming chan []byte
	accept   chan io.Reader
	done     chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		incoming: make(chan []byte, 256),
		accept:   make(chan io.Reader, 16),
		done:     make(chan struct{}),
	}
}

func (f *fakeSession) SendDatagram(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, io.EOF
	case b := <-f.incoming:
		return b, nil
	}
}

func (f *fakeSession) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSession) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, io.EOF
	case r := <-f.accept:
		return r, nil
	}
}

func (f *fakeSession) CloseWithError(code uint32, reason string) error {
	f.mu.Lock()
	f.closeCalls++
	first := f.closeCalls == 1
	if first {
		f.info = session.CloseInfo{Code: code, Reason: reason}
	}
	f.mu.Unlock()
	if first {
		close(f.done)
	}
	return nil
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) CloseInfo() session.CloseInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

// peerClose simulates the server ending the session.
func (f *fakeSession) peerClose(code uint32, reason string) {
	f.CloseWithError(code, reason)
}

// inject delivers a packet to the transport as an incoming datagram.
func (f *fakeSession) inject(t *testing.T, p packet.Packet) {
	t.Helper()
	raw, err := packet.Encode(p)
	require.NoError(t, err)
	f.incoming <- raw
}

// sentPackets decodes everything the transport has written so far.
func (f *fakeSession) sentPackets(t *testing.T) []packet.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]packet.Packet, 0, len(f.sent))
	for _, raw := range f.sent {
		p, err := packet.Decode(raw)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func (f *fakeSession) sentRTP(t *testing.T) []*packet.RTP {
	var out []*packet.RTP
	for _, p := range f.sentPackets(t) {
		if rtp, ok := p.(*packet.RTP); ok {
			out = append(out, rtp)
		}
	}
	return out
}

func (f *fakeSession) sentNacks(t *testing.T) []*packet.Nack {
	var out []*packet.Nack
	for _, p := range f.sentPackets(t) {
		if n, ok := p.(*packet.Nack); ok {
			out = append(out, n)
		}
	}
	return out
}

type fakeStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *fakeStream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(b)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// capture collects callback invocations.
type capture struct {
	mu          sync.Mutex
	frames      [][]byte
	reliable    [][]byte
	disconnects []string
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnFrameComplete: func(frame []byte) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.frames = append(c.frames, frame)
		},
		OnReliableMessage: func(msg []byte) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.reliable = append(c.reliable, msg)
		},
		OnDisconnect: func(reason string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.disconnects = append(c.disconnects, reason)
		},
	}
}

func (c *capture) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *capture) disconnectReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.disconnects...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + msg)
}

func newConnected(t *testing.T) (*Transport, *fakeSession, *capture) {
	t.Helper()
	c := &capture{}
	tr := New(c.callbacks(), nil)
	fs := newFakeSession()
	tr.dial = func(ctx context.Context, url, token string, opts session.DialOptions) (session.Session, error) {
		return fs, nil
	}
	tr.SetAuthToken("test-token")
	require.NoError(t, tr.Connect(context.Background(), "https://media.test/session", nil))
	t.Cleanup(func() { tr.Disconnect(0, "test done") })
	return tr, fs, c
}

func TestConnectRequiresToken(t *testing.T) {
	tr := New(Callbacks{}, nil)
	err := tr.Connect(context.Background(), "https://media.test", nil)
	require.ErrorIs(t, err, ErrTokenRequired)
}

func TestConnectWhileConnected(t *testing.T) {
	tr, _, _ := newConnected(t)
	err := tr.Connect(context.Background(), "https://media.test", nil)
	require.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestSendSingleFrame(t *testing.T) {
	tr, fs, _ := newConnected(t)
	payload := bytes.Repeat([]byte{0x5a}, 500)
	tr.Send(payload)

	waitFor(t, func() bool { return len(fs.sentRTP(t)) >= 1 }, "one rtp datagram")
	rtps := fs.sentRTP(t)
	require.Len(t, rtps, 1)
	require.Equal(t, uint16(0), rtps[0].FragmentIndex)
	require.Equal(t, uint16(1), rtps[0].FragmentCount)
	require.Equal(t, payload, rtps[0].Data)
	require.Equal(t, float64(0), tr.LossRate())
	require.Equal(t, 1, tr.LossStats().SampleSize)
}

func TestSendMultiFragment(t *testing.T) {
	tr, fs, _ := newConnected(t)
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	tr.Send(payload)

	waitFor(t, func() bool { return len(fs.sentRTP(t)) >= 3 }, "three rtp datagrams")
	rtps := fs.sentRTP(t)
	require.Len(t, rtps, 3)
	var got []byte
	for i, p := range rtps {
		require.Equal(t, uint16(i), p.FragmentIndex)
		require.Equal(t, uint16(3), p.FragmentCount)
		require.Equal(t, rtps[0].FrameID, p.FrameID)
		if i > 0 {
			require.Equal(t, rtps[i-1].Sequence+1, p.Sequence)
		}
		got = append(got, p.Data...)
	}
	require.Equal(t, payload, got)
}

func TestFrameIDMonotonic(t *testing.T) {
	tr, fs, _ := newConnected(t)
	tr.Send([]byte("one"))
	tr.Send([]byte("two"))
	tr.Send([]byte("three"))
	waitFor(t, func() bool { return len(fs.sentRTP(t)) >= 3 }, "three frames on the wire")
	rtps := fs.sentRTP(t)
	for i := 1; i < len(rtps); i++ {
		require.Greater(t, rtps[i].FrameID, rtps[i-1].FrameID)
		require.Greater(t, rtps[i].Sequence, rtps[i-1].Sequence)
	}
}

func TestReceiveReassemblesOutOfOrder(t *testing.T) {
	_, fs, c := newConnected(t)
	frags := []*packet.RTP{
		{Sequence: 0, FrameID: 9, FragmentIndex: 0, FragmentCount: 3, Data: []byte("aa")},
		{Sequence: 1, FrameID: 9, FragmentIndex: 1, FragmentCount: 3, Data: []byte("bb")},
		{Sequence: 2, FrameID: 9, FragmentIndex: 2, FragmentCount: 3, Data: []byte("cc")},
	}
	fs.inject(t, frags[2])
	fs.inject(t, frags[0])
	fs.inject(t, frags[1])

	waitFor(t, func() bool { return c.frameCount() == 1 }, "frame delivery")
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, []byte("aabbcc"), c.frames[0])
}

func TestDuplicateCounter(t *testing.T) {
	tr, fs, _ := newConnected(t)
	p := &packet.RTP{Sequence: 0, FrameID: 0, FragmentIndex: 0, FragmentCount: 2, Data: []byte("x")}
	fs.inject(t, p)
	fs.inject(t, p)
	waitFor(t, func() bool { return tr.DuplicatePackets() == 1 }, "duplicate count")
}

func TestGapSchedulesNack(t *testing.T) {
	tr, fs, _ := newConnected(t)
	tr.rttEst.AddSample(50)

	// Walk the receive cursor up to 10.
	for seq := uint64(0); seq < 10; seq++ {
		fs.inject(t, &packet.RTP{Sequence: seq, FrameID: seq, FragmentIndex: 0, FragmentCount: 1, Data: []byte{byte(seq)}})
	}
	fs.inject(t, &packet.RTP{Sequence: 13, FrameID: 13, FragmentIndex: 0, FragmentCount: 1, Data: []byte{13}})

	// With SRTT at 50 ms the first request goes out after 20 ms.
	waitFor(t, func() bool { return len(fs.sentNacks(t)) >= 1 }, "nack on the wire")
	n := fs.sentNacks(t)[0]
	require.Equal(t, []uint64{10, 11, 12}, n.MissingSequences)
}

func TestWideGapNotChased(t *testing.T) {
	tr, fs, _ := newConnected(t)
	fs.inject(t, &packet.RTP{Sequence: 500, FrameID: 1, FragmentIndex: 0, FragmentCount: 1, Data: []byte{1}})
	waitFor(t, func() bool { return tr.Stats().FramesDelivered == 1 }, "frame delivery")
	require.Equal(t, 0, tr.nc.PendingCount())
}

func TestNackRetransmitsFromSendCache(t *testing.T) {
	tr, fs, _ := newConnected(t)
	payload := make([]byte, 3000)
	tr.Send(payload)
	waitFor(t, func() bool { return len(fs.sentRTP(t)) >= 3 }, "initial egress")
	before := len(fs.sentRTP(t))

	fs.inject(t, &packet.Nack{MissingSequences: []uint64{0, 2}})
	waitFor(t, func() bool { return len(fs.sentRTP(t)) >= before+2 }, "retransmissions")

	rtps := fs.sentRTP(t)
	retrans := rtps[before:]
	require.Equal(t, uint64(0), retrans[0].Sequence)
	require.Equal(t, uint64(2), retrans[1].Sequence)
	require.Greater(t, tr.LossRate(), float64(0))
	require.Equal(t, uint64(1), tr.Stats().NacksReceived)
}

func TestPingPongUpdatesRTT(t *testing.T) {
	tr, fs, _ := newConnected(t)
	tr.pingTick()

	var ping *packet.Ping
	waitFor(t, func() bool {
		for _, p := range fs.sentPackets(t) {
			if pp, ok := p.(*packet.Ping); ok {
				ping = pp
				return true
			}
		}
		return false
	}, "ping on the wire")

	fs.inject(t, &packet.Pong{Timestamp: ping.Timestamp, Payload: ping.Payload})
	waitFor(t, func() bool { return !tr.hasPing(ping.Timestamp) }, "pong matched")
	require.Equal(t, 0, tr.missedPongCount())
	// The near-zero sample drags the RTO well below its initial value.
	require.LessOrEqual(t, tr.RTO(), float64(50))
}

func TestUnmatchedPongIgnored(t *testing.T) {
	tr, fs, _ := newConnected(t)
	fs.inject(t, &packet.Pong{Timestamp: 424242})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, float64(0), tr.SRTT())
}

func TestIncomingPingAnsweredWithPong(t *testing.T) {
	_, fs, _ := newConnected(t)
	fs.inject(t, &packet.Ping{Timestamp: 777, Payload: []byte("probe")})
	waitFor(t, func() bool {
		for _, p := range fs.sentPackets(t) {
			if pong, ok := p.(*packet.Pong); ok {
				return pong.Timestamp == 777 && bytes.Equal(pong.Payload, []byte("probe"))
			}
		}
		return false
	}, "pong reply")
}

func TestPingTimeoutDisconnects(t *testing.T) {
	tr, _, c := newConnected(t)
	tr.mu.Lock()
	tr.missedPongs = maxMissedPongs
	tr.mu.Unlock()

	tr.pingTick()
	require.Equal(t, []string{TimeoutReason}, c.disconnectReasons())

	// Sends on a closed transport are silent no-ops.
	tr.Send([]byte("late"))
	require.Equal(t, uint64(0), tr.Stats().FramesSent)
	require.Equal(t, "closed", tr.Stats().State)

	err := tr.Connect(context.Background(), "https://media.test", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestFECRecoversDroppedFragment(t *testing.T) {
	tr, fs, c := newConnected(t)
	payloads := [][]byte{[]byte("f0"), []byte("f1f1"), []byte("f2"), []byte("f3f3f3"), []byte("f4")}
	frags := make([]*packet.RTP, 5)
	metas := make([]packet.Meta, 5)
	maxLen := 0
	for i, data := range payloads {
		frags[i] = &packet.RTP{
			Sequence:      uint64(i),
			Timestamp:     100,
			FrameID:       0,
			FragmentIndex: uint16(i),
			FragmentCount: 5,
			Data:          data,
		}
		metas[i] = packet.Meta{
			Sequence:      uint64(i),
			Timestamp:     100,
			FrameID:       0,
			FragmentIndex: uint16(i),
			FragmentCount: 5,
			DataLen:       uint16(len(data)),
		}
		if len(data) > maxLen {
			maxLen = len(data)
		}
	}
	parity := make([]byte, maxLen)
	for _, data := range payloads {
		for i, b := range data {
			parity[i] ^= b
		}
	}

	// Fragment 3 is lost in transit; parity arrives instead.
	for i, f := range frags {
		if i == 3 {
			continue
		}
		fs.inject(t, f)
	}
	fs.inject(t, &packet.FEC{Timestamp: 100, Protected: metas, Parity: parity})

	waitFor(t, func() bool { return c.frameCount() == 1 }, "recovered frame delivery")
	c.mu.Lock()
	want := bytes.Join(payloads, nil)
	require.Equal(t, want, c.frames[0])
	c.mu.Unlock()

	require.Equal(t, uint64(1), tr.Stats().PacketsRecovered)
	// The recovery also resolves the pending request for sequence 3.
	require.Equal(t, 0, tr.nc.PendingCount())
}

func TestIdempotentDisconnect(t *testing.T) {
	tr, fs, c := newConnected(t)
	tr.Disconnect(0, "caller shutdown")
	tr.Disconnect(0, "caller shutdown")

	fs.mu.Lock()
	closes := fs.closeCalls
	fs.mu.Unlock()
	require.Equal(t, 1, closes)
	require.Equal(t, "closed", tr.Stats().State)
	// A locally requested disconnect is not reported back.
	require.Empty(t, c.disconnectReasons())
}

func TestSubstrateCloseNotifiesOnce(t *testing.T) {
	tr, fs, c := newConnected(t)
	fs.peerClose(7, "server going away")
	waitFor(t, func() bool { return len(c.disconnectReasons()) == 1 }, "disconnect callback")
	require.Equal(t, []string{"server going away"}, c.disconnectReasons())
	require.Equal(t, "closed", tr.Stats().State)

	// The watcher and the read loop both see the closure; only one
	// notification may come through.
	time.Sleep(30 * time.Millisecond)
	require.Len(t, c.disconnectReasons(), 1)
}

func TestSendReliable(t *testing.T) {
	tr, fs, _ := newConnected(t)
	msg := []byte("control message")
	tr.SendReliable(msg)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.streams, 1)
	require.True(t, fs.streams[0].closed)
	require.Equal(t, msg, fs.streams[0].buf.Bytes())
}

func TestReceiveReliableMessage(t *testing.T) {
	_, fs, c := newConnected(t)
	fs.accept <- bytes.NewReader([]byte("from server"))
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.reliable) == 1
	}, "reliable message delivery")
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, []byte("from server"), c.reliable[0])
}

func TestSendBeforeConnectIsNoop(t *testing.T) {
	tr := New(Callbacks{}, nil)
	tr.Send([]byte("nothing"))
	tr.SendReliable([]byte("nothing"))
	require.Equal(t, uint64(0), tr.Stats().FramesSent)
	require.Equal(t, "disconnected", tr.Stats().State)
}

func TestMalformedDatagramDropped(t *testing.T) {
	tr, fs, _ := newConnected(t)
	fs.incoming <- []byte{0x7f, 1, 2, 3}
	fs.inject(t, &packet.RTP{Sequence: 0, FrameID: 0, FragmentIndex: 0, FragmentCount: 1, Data: []byte("ok")})
	waitFor(t, func() bool { return tr.Stats().FramesDelivered == 1 }, "delivery after junk")
}

func TestStatsSnapshot(t *testing.T) {
	tr, fs, c := newConnected(t)
	tr.Send([]byte("abc"))
	fs.inject(t, &packet.RTP{Sequence: 0, FrameID: 0, FragmentIndex: 0, FragmentCount: 1, Data: []byte("in")})
	waitFor(t, func() bool { return c.frameCount() == 1 }, "delivery")

	s := tr.Stats()
	require.Equal(t, tr.ID(), s.ID)
	require.Equal(t, "connected", s.State)
	require.Equal(t, uint64(1), s.FramesSent)
	require.Equal(t, uint64(1), s.FramesDelivered)
	require.Equal(t, int64(3), s.TxBytes)
	require.NotEmpty(t, s.ToMap())
	require.Empty(t, s.Warnings())
}

// hasPing and missedPongCount expose ping state to tests.
func (t *Transport) hasPing(ts uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pings[ts]
	return ok
}

func (t *Transport) missedPongCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missedPongs
}
