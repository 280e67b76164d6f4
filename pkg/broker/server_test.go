package broker

import (
	"context"
	"net"
	"testing"
	"time"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/remoting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

type testClient struct {
	t      *testing.T
	conn   net.Conn
	frames chan *protocol.Frame
}

// connect serves one end of a pipe as a broker connection and returns the
// client end.
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	conn := remoting.NewNetConnection(serverEnd, remoting.ConnectionConfig{}, nil)
	srv.ConnectionCreated(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go conn.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		conn.Destroy()
		_ = clientEnd.Close()
	})

	c := &testClient{t: t, conn: clientEnd, frames: make(chan *protocol.Frame, 64)}
	go func() {
		defer close(c.frames)
		for {
			f, err := protocol.ReadFrame(clientEnd, 0)
			if err != nil {
				return
			}
			c.frames <- f
		}
	}()
	return c
}

func (c *testClient) send(channelID int64, p protocol.Packet) {
	c.t.Helper()
	_, err := protocol.WriteFrame(c.conn, channelID, p)
	require.NoError(c.t, err)
}

func (c *testClient) next() *protocol.Frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed")
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (c *testClient) createSession(req *protocol.CreateSession) protocol.Packet {
	c.t.Helper()
	c.send(remoting.ControlChannelID, req)
	f := c.next()
	assert.Equal(c.t, remoting.ControlChannelID, f.ChannelID)
	return f.Packet
}

// ============================================================================
// Control Channel
// ============================================================================

func TestServerCreateSession(t *testing.T) {
	srv := newTestServer(t, testOptions())
	client := connect(t, srv)

	p := client.createSession(&protocol.CreateSession{
		Name:            "s1",
		Version:         ServerVersion,
		AutoCommitSends: true,
		AutoCommitAcks:  true,
	})
	resp, ok := p.(*protocol.CreateSessionResp)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, firstSessionChannelID, resp.ChannelID)
	assert.Equal(t, ServerVersion, resp.ServerVersion)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].Name)
	assert.Equal(t, resp.ChannelID, sessions[0].ChannelID)

	// Commands on the session channel reach the session.
	client.send(resp.ChannelID, &protocol.CreateQueue{Address: "a", QueueName: "q", RequiresResponse: true})
	f := client.next()
	assert.Equal(t, resp.ChannelID, f.ChannelID)
	assert.IsType(t, &protocol.NullResponse{}, f.Packet)
	mustQueue(t, srv, "q")
}

func TestServerCreateSessionRejections(t *testing.T) {
	srv := newTestServer(t, testOptions())
	client := connect(t, srv)

	_, ok := client.createSession(&protocol.CreateSession{Name: "dup", Version: ServerVersion}).(*protocol.CreateSessionResp)
	require.True(t, ok)

	tests := []struct {
		name string
		req  *protocol.CreateSession
		code brokererrors.ErrorCode
	}{
		{
			name: "duplicate name",
			req:  &protocol.CreateSession{Name: "dup", Version: ServerVersion},
			code: brokererrors.SessionExists,
		},
		{
			name: "version too old",
			req:  &protocol.CreateSession{Name: "old", Version: MinClientVersion - 1},
			code: brokererrors.IncompatibleClientServerVersions,
		},
		{
			name: "version too new",
			req:  &protocol.CreateSession{Name: "new", Version: ServerVersion + 1},
			code: brokererrors.IncompatibleClientServerVersions,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := client.createSession(tt.req)
			exc, ok := p.(*protocol.Exception)
			require.True(t, ok, "got %T", p)
			assert.Equal(t, int32(tt.code), exc.Code)
		})
	}
	assert.Len(t, srv.Sessions(), 1)
}

func TestServerGeneratesSessionNames(t *testing.T) {
	srv := newTestServer(t, testOptions())
	client := connect(t, srv)

	first, ok := client.createSession(&protocol.CreateSession{Version: ServerVersion}).(*protocol.CreateSessionResp)
	require.True(t, ok)
	second, ok := client.createSession(&protocol.CreateSession{Version: ServerVersion}).(*protocol.CreateSessionResp)
	require.True(t, ok)

	assert.NotEqual(t, first.ChannelID, second.ChannelID)
	sessions := srv.Sessions()
	require.Len(t, sessions, 2)
	assert.NotEqual(t, sessions[0].Name, sessions[1].Name)
}

func TestServerUnexpectedControlPacket(t *testing.T) {
	srv := newTestServer(t, testOptions())
	client := connect(t, srv)

	client.send(remoting.ControlChannelID, &protocol.SessStart{})
	f := client.next()
	exc, ok := f.Packet.(*protocol.Exception)
	require.True(t, ok, "got %T", f.Packet)
	assert.Equal(t, int32(brokererrors.UnsupportedPacket), exc.Code)
}

func TestServerSessionCloseUnregisters(t *testing.T) {
	srv := newTestServer(t, testOptions())
	client := connect(t, srv)

	resp, ok := client.createSession(&protocol.CreateSession{
		Name:                   "s1",
		Version:                ServerVersion,
		ConfirmationWindowSize: -1,
	}).(*protocol.CreateSessionResp)
	require.True(t, ok)

	client.send(resp.ChannelID, &protocol.SessClose{})
	f := client.next()
	assert.IsType(t, &protocol.NullResponse{}, f.Packet)

	require.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	// The name is free again.
	_, ok = client.createSession(&protocol.CreateSession{Name: "s1", Version: ServerVersion}).(*protocol.CreateSessionResp)
	assert.True(t, ok)
}

func TestServerRejectsSessionsWhileStopping(t *testing.T) {
	sm := newTestServer(t, testOptions()).sm
	srv := NewServer(sm, testOptions(), nil, nil)
	srv.stopping.Store(true)

	client := connect(t, srv)
	p := client.createSession(&protocol.CreateSession{Name: "late", Version: ServerVersion})
	exc, ok := p.(*protocol.Exception)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, int32(brokererrors.SessionCreationRejected), exc.Code)
}

// ============================================================================
// Administration
// ============================================================================

func TestServerQueues(t *testing.T) {
	srv := newTestServer(t, testOptions())
	sess, _ := newTestSession(t, srv, autoCommit())

	require.NoError(t, sess.CreateQueue("b", "zeta", "", false, false))
	require.NoError(t, sess.CreateQueue("a", "alpha", "x = '1'", false, true))
	require.NoError(t, sess.Send(textMessage("b", "1")))

	queues := srv.Queues()
	require.Len(t, queues, 2)
	assert.Equal(t, "alpha", queues[0].Name)
	assert.Equal(t, "x = '1'", queues[0].Filter)
	assert.True(t, queues[0].Durable)
	assert.Equal(t, "zeta", queues[1].Name)
	assert.EqualValues(t, 1, queues[1].Messages)
	assert.EqualValues(t, 1, queues[1].Added)
}

func TestServerHealthcheck(t *testing.T) {
	srv := newTestServer(t, testOptions())
	require.NoError(t, srv.Healthcheck(context.Background()))

	require.NoError(t, srv.Stop(time.Second))
	assert.Error(t, srv.Healthcheck(context.Background()))
}
