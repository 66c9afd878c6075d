package otnet

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/otnet/crypto"
	"github.com/Zereker/otnet/message"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// testProtocol records every frame it receives.
type testProtocol struct {
	BaseProtocol

	mu     sync.Mutex
	first  [][]byte
	frames [][]byte

	made     chan *Conn
	received chan []byte
	lost     atomic.Int32

	onFirst   func(c *Conn, payload []byte) error
	onMessage func(c *Conn, payload []byte) error
}

func newTestProtocol() *testProtocol {
	return &testProtocol{
		made:     make(chan *Conn, 1),
		received: make(chan []byte, 16),
	}
}

func (p *testProtocol) Name() string { return "test" }

func (p *testProtocol) ConnectionMade(c *Conn) {
	p.Attach(c)
	p.made <- c
}

func (p *testProtocol) HandleFirstMessage(msg *message.Incoming) error {
	return p.handle(msg, true)
}

func (p *testProtocol) HandleMessage(msg *message.Incoming) error {
	return p.handle(msg, false)
}

func (p *testProtocol) ConnectionLost() {
	p.lost.Add(1)
	p.Detach()
}

func (p *testProtocol) handle(msg *message.Incoming, first bool) error {
	if err := msg.Checksum(); err != nil {
		return err
	}
	b, err := msg.GetBytes(msg.Remaining())
	if err != nil {
		return err
	}
	payload := append([]byte(nil), b...)

	p.mu.Lock()
	if first {
		p.first = append(p.first, payload)
	} else {
		p.frames = append(p.frames, payload)
	}
	p.mu.Unlock()

	var herr error
	switch {
	case first && p.onFirst != nil:
		herr = p.onFirst(p.Conn(), payload)
	case !first && p.onMessage != nil:
		herr = p.onMessage(p.Conn(), payload)
	}

	p.received <- payload
	return herr
}

func (p *testProtocol) counts() (first, frames int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.first), len(p.frames)
}

// plainFrame returns an unencrypted frame carrying payload.
func plainFrame(t *testing.T, payload []byte) []byte {
	t.Helper()

	m := message.NewOutgoing()
	defer m.Release()
	m.AddBytes(payload)

	b, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return append([]byte(nil), b...)
}

// outgoing builds a message the connection can queue.
func outgoing(payload []byte) *message.Outgoing {
	m := message.NewOutgoing()
	m.AddBytes(payload)
	return m
}

// readFrame reads one frame from the client side and returns its payload.
func readFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var header [2]byte
	if _, err := io.ReadFull(c, header[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}

	body := make([]byte, binary.LittleEndian.Uint16(header[:]))
	if _, err := io.ReadFull(c, body); err != nil {
		t.Fatalf("read body: %v", err)
	}

	if got, want := crypto.Adler32(body[4:]), binary.LittleEndian.Uint32(body); got != want {
		t.Fatalf("checksum = %#x, want %#x", got, want)
	}
	return body[4:]
}

// expectEOF checks that the server closed the connection.
func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var b [1]byte
	if _, err := c.Read(b[:]); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

// startConn runs a Conn bound to p over a loopback pair.
func startConn(t *testing.T, p Protocol, opts ...Option) (*Conn, *net.TCPConn, <-chan error) {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	conn, err := NewConn(serverConn, append([]Option{LoggerOption(&mockLogger{})}, opts...)...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background(), p)
	}()
	return conn, clientConn, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitReceived(t *testing.T, p *testProtocol) []byte {
	t.Helper()

	select {
	case b := <-p.received:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("frame not dispatched")
		return nil
	}
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
	if conn.IsStopped() || !conn.IsReceiving() || !conn.IsSending() {
		t.Error("new connection should be open")
	}
	if conn.Protocol() != nil {
		t.Error("protocol should be nil before Run")
	}
	if conn.PeerIP() == nil || !conn.PeerIP().IsLoopback() {
		t.Errorf("PeerIP = %v, want loopback", conn.PeerIP())
	}
}

func TestNewConn_Nil(t *testing.T) {
	if _, err := NewConn(nil); err != ErrInvalidConn {
		t.Errorf("expected ErrInvalidConn, got %v", err)
	}
}

func TestConn_RunNilProtocol(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn)
	if err := conn.Run(context.Background(), nil); err != ErrInvalidProtocol {
		t.Errorf("expected ErrInvalidProtocol, got %v", err)
	}
}

func TestConn_FirstMessageThenMessages(t *testing.T) {
	p := newTestProtocol()
	conn, client, done := startConn(t, p)

	for _, payload := range []string{"first", "second", "third"} {
		if _, err := client.Write(plainFrame(t, []byte(payload))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		if got := waitReceived(t, p); string(got) != want {
			t.Errorf("received %q, want %q", got, want)
		}
	}

	first, frames := p.counts()
	if first != 1 || frames != 2 {
		t.Errorf("first = %d, frames = %d, want 1 and 2", first, frames)
	}

	if p.Conn() != conn || conn.Protocol() != p {
		t.Error("protocol and connection not bound")
	}

	if err := conn.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v after Stop", err)
	}
	if p.lost.Load() != 0 {
		t.Error("deliberate stop must not report a lost connection")
	}
	if conn.Protocol() != nil {
		t.Error("protocol should be released on stop")
	}
}

func TestConn_RunTwiceIsNoop(t *testing.T) {
	p := newTestProtocol()
	conn, _, done := startConn(t, p)
	<-p.made

	if err := conn.Run(context.Background(), newTestProtocol()); err != nil {
		t.Errorf("second Run returned %v", err)
	}
	if conn.Protocol() != p {
		t.Error("second Run replaced the protocol")
	}

	conn.Stop()
	waitRun(t, done)
}

func TestConn_SendPreservesOrder(t *testing.T) {
	p := newTestProtocol()
	conn, client, done := startConn(t, p)
	<-p.made

	var want bytes.Buffer
	for i := 0; i < 50; i++ {
		payload := []byte{byte(i), 0xaa, 0xbb, byte(i)}
		want.Write(plainFrame(t, payload))

		// each call completes before the next one begins, even across goroutines
		errCh := make(chan error, 1)
		go func() { errCh <- conn.Send(outgoing(payload)) }()
		if err := <-errCh; err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	got := make([]byte, want.Len())
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Error("frames interleaved or reordered")
	}

	conn.Stop()
	waitRun(t, done)
}

func TestConn_SendAndStop(t *testing.T) {
	p := newTestProtocol()
	conn, client, done := startConn(t, p)
	<-p.made

	if err := conn.Send(outgoing([]byte("one!"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := conn.SendAndStop(outgoing([]byte("two!"))); err != nil {
		t.Fatalf("SendAndStop failed: %v", err)
	}
	if err := conn.Send(outgoing([]byte("late"))); err != ErrConnectionClosed {
		t.Errorf("Send after SendAndStop = %v, want ErrConnectionClosed", err)
	}

	if got := readFrame(t, client); string(got) != "one!" {
		t.Errorf("first frame = %q", got)
	}
	if got := readFrame(t, client); string(got) != "two!" {
		t.Errorf("second frame = %q", got)
	}
	expectEOF(t, client)

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if !conn.IsStopped() {
		t.Error("connection should be stopped")
	}
	if p.lost.Load() != 0 {
		t.Error("SendAndStop must not report a lost connection")
	}
}

func TestConn_StopReceivingStillFlushes(t *testing.T) {
	p := newTestProtocol()
	p.onFirst = func(c *Conn, payload []byte) error {
		c.StopReceiving()
		return c.SendAndStop(outgoing([]byte("reply")))
	}
	conn, client, done := startConn(t, p)

	frames := append(plainFrame(t, []byte("hello")), plainFrame(t, []byte("ignored"))...)
	if _, err := client.Write(frames); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := readFrame(t, client); string(got) != "reply" {
		t.Errorf("reply = %q", got)
	}
	expectEOF(t, client)

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if first, frames := p.counts(); first != 1 || frames != 0 {
		t.Errorf("first = %d, frames = %d, want a single dispatched frame", first, frames)
	}
	if conn.IsReceiving() {
		t.Error("IsReceiving should be false")
	}
}

func TestConn_HalfCloseBothStops(t *testing.T) {
	p := newTestProtocol()
	conn, _, done := startConn(t, p)
	<-p.made

	conn.StopSending()
	if conn.IsSending() {
		t.Error("IsSending should be false")
	}
	if err := conn.Send(outgoing([]byte("nope"))); err != ErrConnectionClosed {
		t.Errorf("Send after StopSending = %v", err)
	}
	if conn.IsStopped() {
		t.Fatal("write half close alone must not stop")
	}

	conn.StopReceiving()
	if !conn.IsStopped() {
		t.Error("closing both halves should stop the connection")
	}
	waitRun(t, done)
}

func TestConn_StopTwice(t *testing.T) {
	p := newTestProtocol()
	conn, _, done := startConn(t, p)
	<-p.made

	if err := conn.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := conn.Stop(); err != ErrConnectionClosed {
		t.Errorf("second Stop = %v, want ErrConnectionClosed", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	waitRun(t, done)
}

func TestConn_ReadTimeoutAborts(t *testing.T) {
	p := newTestProtocol()
	metrics := &Metrics{}
	conn, _, done := startConn(t, p, ReadTimeoutOption(100*time.Millisecond), MetricsOption(metrics))

	err := waitRun(t, done)
	if !isTimeout(err) {
		t.Fatalf("Run returned %v, want a timeout", err)
	}
	if !conn.IsStopped() {
		t.Error("connection should be stopped")
	}
	if n := p.lost.Load(); n != 1 {
		t.Errorf("ConnectionLost called %d times, want 1", n)
	}
	if p.Conn() != nil {
		t.Error("protocol should be detached")
	}
	if metrics.Timeouts.Load() != 1 || metrics.Aborts.Load() != 1 {
		t.Errorf("metrics = %+v", metrics.Snapshot())
	}
}

func TestConn_PartialFrameTimesOut(t *testing.T) {
	p := newTestProtocol()
	_, client, done := startConn(t, p, ReadTimeoutOption(150*time.Millisecond))

	// header announces 16 bytes, only 3 follow
	if _, err := client.Write([]byte{16, 0, 1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := waitRun(t, done); !isTimeout(err) {
		t.Fatalf("Run returned %v, want a timeout", err)
	}
	if p.lost.Load() != 1 {
		t.Error("ConnectionLost not called")
	}
}

func TestConn_InvalidLengthAborts(t *testing.T) {
	for _, size := range []uint16{7, message.MaxBodySize + 1} {
		p := newTestProtocol()
		_, client, done := startConn(t, p)

		var header [2]byte
		binary.LittleEndian.PutUint16(header[:], size)
		if _, err := client.Write(header[:]); err != nil {
			t.Fatalf("write: %v", err)
		}

		err := waitRun(t, done)
		if !errors.Is(err, message.ErrInvalidLength) {
			t.Errorf("size %d: Run returned %v, want ErrInvalidLength", size, err)
		}
		if p.lost.Load() != 1 {
			t.Errorf("size %d: ConnectionLost not called", size)
		}
		if first, _ := p.counts(); first != 0 {
			t.Errorf("size %d: frame dispatched", size)
		}
	}
}

func TestConn_ChecksumMismatchAborts(t *testing.T) {
	p := newTestProtocol()
	_, client, done := startConn(t, p)

	frame := plainFrame(t, []byte("payload"))
	frame[len(frame)-1] ^= 0xff
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := waitRun(t, done); !errors.Is(err, message.ErrChecksumMismatch) {
		t.Errorf("Run returned %v, want ErrChecksumMismatch", err)
	}
	expectEOF(t, client)
}

func TestConn_HandlerErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	p := newTestProtocol()
	p.onMessage = func(*Conn, []byte) error { return boom }
	_, client, done := startConn(t, p)

	client.Write(plainFrame(t, []byte("first")))
	client.Write(plainFrame(t, []byte("second")))

	if err := waitRun(t, done); !errors.Is(err, boom) {
		t.Errorf("Run returned %v, want boom", err)
	}
	if p.lost.Load() != 1 {
		t.Error("ConnectionLost not called")
	}
}

func TestConn_HandlerErrorAfterStopReceivingAborts(t *testing.T) {
	boom := errors.New("boom")
	p := newTestProtocol()
	p.onFirst = func(c *Conn, _ []byte) error {
		c.StopReceiving()
		return boom
	}
	_, client, done := startConn(t, p)

	client.Write(plainFrame(t, []byte("first")))

	if err := waitRun(t, done); !errors.Is(err, boom) {
		t.Errorf("Run returned %v, want boom", err)
	}
	if p.lost.Load() != 1 {
		t.Error("ConnectionLost not called")
	}
	expectEOF(t, client)
}

func TestConn_HandlerPanicAborts(t *testing.T) {
	logger := &mockLogger{}
	p := newTestProtocol()
	p.onFirst = func(*Conn, []byte) error { panic("handler bug") }

	serverConn, client := createTestTCPPair(t)
	defer serverConn.Close()
	defer client.Close()

	conn, _ := NewConn(serverConn, LoggerOption(logger))
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background(), p) }()

	client.Write(plainFrame(t, []byte("first")))

	if err := waitRun(t, done); !errors.Is(err, ErrProtocolPanic) {
		t.Errorf("Run returned %v, want ErrProtocolPanic", err)
	}
	if p.lost.Load() != 1 {
		t.Error("ConnectionLost not called")
	}
	if !logger.has("error", "connection aborted") {
		t.Error("abort not logged")
	}
}

func TestConn_PeerCloseAborts(t *testing.T) {
	p := newTestProtocol()
	_, client, done := startConn(t, p)
	<-p.made

	client.Close()

	if err := waitRun(t, done); !errors.Is(err, io.EOF) {
		t.Errorf("Run returned %v, want EOF", err)
	}
	if p.lost.Load() != 1 {
		t.Error("ConnectionLost not called")
	}
}

func TestConn_ContextCancelAborts(t *testing.T) {
	serverConn, client := createTestTCPPair(t)
	defer serverConn.Close()
	defer client.Close()

	conn, _ := NewConn(serverConn, LoggerOption(&mockLogger{}))
	p := newTestProtocol()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx, p) }()
	<-p.made

	cancel()

	if err := waitRun(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if p.lost.Load() != 1 {
		t.Errorf("ConnectionLost called %d times, want 1", p.lost.Load())
	}
	if !conn.IsStopped() {
		t.Error("connection should be stopped")
	}
}

// funcEncoder is a queued frame with a custom Encode.
type funcEncoder struct {
	encode   func() ([]byte, error)
	released *atomic.Int32
}

func (e funcEncoder) Encode() ([]byte, error) { return e.encode() }
func (e funcEncoder) Release()                { e.released.Add(1) }

func TestConn_EncodeFailureAborts(t *testing.T) {
	p := newTestProtocol()
	conn, _, done := startConn(t, p)
	<-p.made

	var released atomic.Int32
	bad := funcEncoder{
		encode:   func() ([]byte, error) { return nil, message.ErrMessageTooLarge },
		released: &released,
	}
	if err := conn.Send(bad); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := waitRun(t, done); !errors.Is(err, message.ErrMessageTooLarge) {
		t.Errorf("Run returned %v, want ErrMessageTooLarge", err)
	}
	if p.lost.Load() != 1 {
		t.Error("ConnectionLost not called")
	}
	if released.Load() != 1 {
		t.Errorf("Release called %d times, want 1", released.Load())
	}
}

func TestConn_ReleaseAfterWrite(t *testing.T) {
	p := newTestProtocol()
	conn, client, done := startConn(t, p)
	<-p.made

	var released atomic.Int32
	frame := plainFrame(t, []byte("data"))
	for i := 0; i < 3; i++ {
		conn.Send(funcEncoder{
			encode:   func() ([]byte, error) { return frame, nil },
			released: &released,
		})
	}
	for i := 0; i < 3; i++ {
		readFrame(t, client)
	}

	conn.Stop()
	waitRun(t, done)

	if released.Load() != 3 {
		t.Errorf("Release called %d times, want 3", released.Load())
	}
}

func TestConn_SendAfterStop(t *testing.T) {
	p := newTestProtocol()
	conn, _, done := startConn(t, p)
	<-p.made

	conn.Stop()
	waitRun(t, done)

	var released atomic.Int32
	err := conn.Send(funcEncoder{
		encode:   func() ([]byte, error) { return nil, nil },
		released: &released,
	})
	if err != ErrConnectionClosed {
		t.Errorf("Send after Stop = %v", err)
	}
	if released.Load() != 1 {
		t.Error("rejected frame not released")
	}
}

func TestConn_Metrics(t *testing.T) {
	metrics := &Metrics{}
	p := newTestProtocol()
	p.onFirst = func(c *Conn, payload []byte) error {
		return c.SendAndStop(outgoing(payload))
	}
	_, client, done := startConn(t, p, MetricsOption(metrics))

	frame := plainFrame(t, []byte("echo"))
	client.Write(frame)
	readFrame(t, client)
	waitRun(t, done)

	s := metrics.Snapshot()
	if s.FramesIn != 1 || s.FramesOut != 1 {
		t.Errorf("frames in/out = %d/%d, want 1/1", s.FramesIn, s.FramesOut)
	}
	if s.BytesIn != int64(len(frame)) || s.BytesOut != int64(len(frame)) {
		t.Errorf("bytes in/out = %d/%d, want %d", s.BytesIn, s.BytesOut, len(frame))
	}
	if s.Aborts != 0 {
		t.Errorf("aborts = %d", s.Aborts)
	}
}
