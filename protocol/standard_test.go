package protocol

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/otnet"
	"github.com/Zereker/otnet/crypto"
	"github.com/Zereker/otnet/message"
)

var testKey = [4]uint32{0xdeadbeef, 0x01020304, 0xcafebabe, 0x55aa55aa}

// echoProtocol answers every encrypted frame with its decrypted payload.
type echoProtocol struct {
	StandardProtocol
	lost chan struct{}
}

func (p *echoProtocol) Name() string { return "echo" }

func (p *echoProtocol) HandleFirstMessage(msg *message.Incoming) error {
	x, err := crypto.NewXtea(testKey)
	if err != nil {
		return err
	}
	p.SetXtea(x)
	return p.HandleMessage(msg)
}

func (p *echoProtocol) HandleMessage(msg *message.Incoming) error {
	if err := p.ReadStandard(msg); err != nil {
		return err
	}
	s, err := msg.GetString()
	if err != nil {
		return err
	}

	out := message.NewOutgoing()
	out.AddString(s)
	if s == "bye" {
		return p.SendEncryptedAndStop(out)
	}
	return p.SendEncrypted(out)
}

func (p *echoProtocol) ConnectionLost() {
	p.StandardProtocol.ConnectionLost()
	close(p.lost)
}

func pipe(t *testing.T) (server, client net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func encryptedFrame(t *testing.T, x *crypto.Xtea, s string) []byte {
	t.Helper()

	out := message.NewOutgoing()
	defer out.Release()
	out.AddString(s)
	require.NoError(t, out.XteaEncrypt(x))

	b, err := out.Encode()
	require.NoError(t, err)
	return append([]byte(nil), b...)
}

func readEncrypted(t *testing.T, c net.Conn, x *crypto.Xtea) string {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))

	in := message.NewIncoming()
	_, err := io.ReadFull(c, in.HeaderBuffer())
	require.NoError(t, err)
	body, err := in.ParseHeader()
	require.NoError(t, err)
	_, err = io.ReadFull(c, body)
	require.NoError(t, err)

	require.NoError(t, in.XteaDecrypt(x))
	s, err := in.GetString()
	require.NoError(t, err)
	return s
}

func TestStandardProtocol_EncryptedEcho(t *testing.T) {
	server, client := pipe(t)
	x, err := crypto.NewXtea(testKey)
	require.NoError(t, err)

	conn, err := otnet.NewConn(server, Options()...)
	require.NoError(t, err)

	p := &echoProtocol{lost: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background(), p) }()

	for _, s := range []string{"hello", "a longer string crossing several blocks", "bye"} {
		_, err := client.Write(encryptedFrame(t, x, s))
		require.NoError(t, err)
		assert.Equal(t, s, readEncrypted(t, client, x))
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connection not stopped after bye")
	}
	assert.True(t, conn.IsStopped())
}

func TestStandardProtocol_WrongKeyDrops(t *testing.T) {
	server, client := pipe(t)
	other, err := crypto.NewXtea([4]uint32{1, 2, 3, 4})
	require.NoError(t, err)

	conn, err := otnet.NewConn(server)
	require.NoError(t, err)

	p := &echoProtocol{lost: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background(), p) }()

	_, err = client.Write(encryptedFrame(t, other, "hello"))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, message.ErrChecksumMismatch)
	case <-time.After(5 * time.Second):
		t.Fatal("connection not dropped")
	}
	<-p.lost
	assert.Nil(t, p.Conn())
}

func TestStandardProtocol_SendWithoutKey(t *testing.T) {
	server, _ := pipe(t)
	conn, err := otnet.NewConn(server)
	require.NoError(t, err)

	var p StandardProtocol
	p.Attach(conn)

	assert.ErrorIs(t, p.SendEncrypted(message.NewOutgoingType(1)), ErrNoXtea)
	assert.ErrorIs(t, p.ReadStandard(message.NewIncoming()), ErrNoXtea)
}

func TestStandardProtocol_SendDetached(t *testing.T) {
	var p StandardProtocol
	x, err := crypto.NewXtea(testKey)
	require.NoError(t, err)
	p.SetXtea(x)

	assert.ErrorIs(t, p.SendEncrypted(message.NewOutgoingType(1)), otnet.ErrConnectionClosed)
	assert.Same(t, x, p.Xtea())
}

func TestOptions(t *testing.T) {
	server, _ := pipe(t)

	conn, err := otnet.NewConn(server, Options()...)
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Len(t, Options(), 2)
}
