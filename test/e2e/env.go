//go:build e2e

package e2e

import (
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittomq/pkg/api"
	"github.com/marmos91/dittomq/pkg/api/middleware"
	"github.com/marmos91/dittomq/pkg/apiclient"
	"github.com/marmos91/dittomq/pkg/broker"
	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/remoting"
	"github.com/stretchr/testify/require"
)

// adminToken is the bearer token accepted by the admin API of every Environment.
const adminToken = "e2e-secret"

// Environment is a broker running in-process with a journal on disk, the
// TCP transport on a loopback port and the admin API behind httptest.
type Environment struct {
	t         *testing.T
	Broker    *broker.Server
	Transport *remoting.Server
	Admin     *apiclient.Client

	stop func()
}

// NewEnvironment boots the full stack rooted at dir. Booting a second
// environment on the same dir after the first is stopped simulates a restart.
func NewEnvironment(t *testing.T, dir string) *Environment {
	t.Helper()

	j, err := journal.Open(filepath.Join(dir, "journal", "dittomq.journal"), 0)
	require.NoError(t, err)
	store, err := persistence.OpenBindingStore(persistence.StoreOptions{Path: filepath.Join(dir, "bindings")})
	require.NoError(t, err)
	sm := persistence.NewStorageManager(persistence.ManagerOptions{Journal: j, Store: store})

	opts := broker.DefaultOptions()
	opts.TransactionScanPeriod = 0
	brokerSrv := broker.NewServer(sm, opts, nil, nil)
	require.NoError(t, brokerSrv.Start(context.Background()))

	transport := remoting.NewServer(remoting.ServerConfig{ShutdownTimeout: time.Second}, brokerSrv, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = transport.ServeListener(ctx, listener)
	}()

	hash, err := middleware.HashToken(adminToken)
	require.NoError(t, err)
	httpSrv := httptest.NewServer(api.NewRouter(brokerSrv, api.APIConfig{TokenHash: hash}))

	env := &Environment{
		t:         t,
		Broker:    brokerSrv,
		Transport: transport,
		Admin:     apiclient.New(httpSrv.URL).WithToken(adminToken),
	}

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		httpSrv.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = transport.Stop(stopCtx)
		cancel()
		<-served
		_ = brokerSrv.Stop(2 * time.Second)
	}
	t.Cleanup(stop)
	env.stop = stop
	return env
}

// Stop shuts the environment down. It is also run at test cleanup.
func (e *Environment) Stop() { e.stop() }

// Client is a raw protocol client speaking frames over TCP.
type Client struct {
	t       *testing.T
	conn    net.Conn
	frames  chan *protocol.Frame
	pending []*protocol.Frame
}

// Dial connects a client to the environment's transport.
func (e *Environment) Dial() *Client {
	e.t.Helper()

	conn, err := net.Dial("tcp", e.Transport.Addr())
	require.NoError(e.t, err)

	c := &Client{t: e.t, conn: conn, frames: make(chan *protocol.Frame, 128)}
	go func() {
		defer close(c.frames)
		for {
			f, err := protocol.ReadFrame(conn, 0)
			if err != nil {
				return
			}
			c.frames <- f
		}
	}()
	e.t.Cleanup(func() { _ = conn.Close() })
	return c
}

// Send writes one packet on a channel.
func (c *Client) Send(channelID int64, p protocol.Packet) {
	c.t.Helper()
	_, err := protocol.WriteFrame(c.conn, channelID, p)
	require.NoError(c.t, err)
}

// next returns the next frame, pending ones first.
func (c *Client) next() *protocol.Frame {
	c.t.Helper()
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f
	}
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed")
		return f
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for frame")
		return nil
	}
}

// Expect returns the first packet of type T received on channelID. Frames
// of other types or channels stay pending for later calls.
func Expect[T protocol.Packet](c *Client, channelID int64) T {
	c.t.Helper()

	var skipped []*protocol.Frame
	defer func() { c.pending = append(skipped, c.pending...) }()

	for {
		f := c.next()
		if p, ok := f.Packet.(T); ok && f.ChannelID == channelID {
			return p
		}
		if exc, ok := f.Packet.(*protocol.Exception); ok && f.ChannelID == channelID {
			c.t.Fatalf("channel %d: exception %d: %s", channelID, exc.Code, exc.Message)
		}
		skipped = append(skipped, f)
	}
}

// OpenSession creates a session and returns its channel ID.
func (c *Client) OpenSession(req *protocol.CreateSession) int64 {
	c.t.Helper()
	req.Version = broker.ServerVersion
	c.Send(remoting.ControlChannelID, req)
	return Expect[*protocol.CreateSessionResp](c, remoting.ControlChannelID).ChannelID
}
