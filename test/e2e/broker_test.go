//go:build e2e

package e2e

import (
	"testing"

	"github.com/marmos91/dittomq/pkg/broker"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/remoting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduceConsumeOverTCP(t *testing.T) {
	env := NewEnvironment(t, t.TempDir())
	client := env.Dial()

	ch := client.OpenSession(&protocol.CreateSession{
		Name:                   "orders-app",
		AutoCommitSends:        true,
		AutoCommitAcks:         true,
		ConfirmationWindowSize: -1,
	})

	client.Send(ch, &protocol.CreateQueue{Address: "orders", QueueName: "orders.q", Durable: true, RequiresResponse: true})
	Expect[*protocol.NullResponse](client, ch)

	client.Send(ch, &protocol.SessCreateConsumer{ID: 1, QueueName: "orders.q", RequiresResponse: true})
	Expect[*protocol.NullResponse](client, ch)
	client.Send(ch, &protocol.SessStart{})

	client.Send(ch, &protocol.SessSend{
		Message:          protocol.Message{Address: "orders", Durable: true, Body: []byte("order-1")},
		RequiresResponse: true,
	})
	Expect[*protocol.NullResponse](client, ch)

	delivery := Expect[*protocol.SessReceiveMsg](client, ch)
	assert.EqualValues(t, 1, delivery.ConsumerID)
	assert.Equal(t, "order-1", string(delivery.Message.Body))

	client.Send(ch, &protocol.SessAcknowledge{ConsumerID: 1, MessageID: delivery.Message.MessageID, RequiresResponse: true})
	Expect[*protocol.NullResponse](client, ch)

	client.Send(ch, &protocol.SessQueueQuery{QueueName: "orders.q"})
	query := Expect[*protocol.SessQueueQueryResp](client, ch)
	assert.True(t, query.Exists)
	assert.Zero(t, query.MessageCount)
	assert.EqualValues(t, 1, query.ConsumerCount)

	sessions, err := env.Admin.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "orders-app", sessions[0].Name)

	queues, err := env.Admin.ListQueues()
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.Equal(t, "orders.q", queues[0].Name)
	assert.EqualValues(t, 1, queues[0].Acknowledged)
}

func TestConfirmationsOverTCP(t *testing.T) {
	env := NewEnvironment(t, t.TempDir())
	client := env.Dial()

	// A one byte window confirms after every packet.
	ch := client.OpenSession(&protocol.CreateSession{
		Name:                   "confirming",
		AutoCommitSends:        true,
		AutoCommitAcks:         true,
		ConfirmationWindowSize: 1,
	})

	client.Send(ch, &protocol.CreateQueue{Address: "a", QueueName: "q"})
	client.Send(ch, &protocol.SessSend{Message: protocol.Message{Address: "a", Body: []byte("x")}})

	var last int32
	for last < 2 {
		last = Expect[*protocol.PacketsConfirmed](client, ch).CommandID
	}
	assert.EqualValues(t, 2, last)
}

func TestSessionNameInUseOverTCP(t *testing.T) {
	env := NewEnvironment(t, t.TempDir())
	first, second := env.Dial(), env.Dial()

	first.OpenSession(&protocol.CreateSession{Name: "shared"})

	second.Send(remoting.ControlChannelID, &protocol.CreateSession{Name: "shared", Version: broker.ServerVersion})
	f := second.next()
	exc, ok := f.Packet.(*protocol.Exception)
	require.True(t, ok, "got %T", f.Packet)
	assert.Equal(t, int32(brokererrors.SessionExists), exc.Code)
}

func TestHeuristicCommitThroughAdminAPI(t *testing.T) {
	env := NewEnvironment(t, t.TempDir())
	client := env.Dial()

	ch := client.OpenSession(&protocol.CreateSession{Name: "xa-app", XA: true, ConfirmationWindowSize: -1})
	client.Send(ch, &protocol.CreateQueue{Address: "payments", QueueName: "payments.q", Durable: true, RequiresResponse: true})
	Expect[*protocol.NullResponse](client, ch)

	xa := func(p protocol.Packet) {
		t.Helper()
		client.Send(ch, p)
		resp := Expect[*protocol.SessXAResp](client, ch)
		require.False(t, resp.IsError, "%T: %s", p, resp.Message)
	}

	xid := protocol.NewXid(1, []byte("payment-42"), []byte("branch-1"))
	xa(&protocol.SessXAStart{Xid: xid})
	client.Send(ch, &protocol.SessSend{
		Message:          protocol.Message{Address: "payments", Durable: true, Body: []byte("debit")},
		RequiresResponse: true,
	})
	Expect[*protocol.NullResponse](client, ch)
	xa(&protocol.SessXAEnd{Xid: xid})
	xa(&protocol.SessXAPrepare{Xid: xid})

	txs, err := env.Admin.ListTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, xid.String(), txs[0].Xid)
	assert.Equal(t, "PREPARED", txs[0].State)

	completion, err := env.Admin.CommitTransaction(xid.String())
	require.NoError(t, err)
	assert.Equal(t, xid.String(), completion.Xid)

	queues, err := env.Admin.ListQueues()
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.EqualValues(t, 1, queues[0].Messages)

	// The client learns the outcome when it tries to finish the branch.
	client.Send(ch, &protocol.SessXACommit{Xid: xid})
	resp := Expect[*protocol.SessXAResp](client, ch)
	assert.True(t, resp.IsError)
	assert.Equal(t, int32(brokererrors.XAHeurCom), resp.ResponseCode)
}

func TestDurableMessagesSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	env := NewEnvironment(t, dir)
	client := env.Dial()
	ch := client.OpenSession(&protocol.CreateSession{AutoCommitSends: true, AutoCommitAcks: true, ConfirmationWindowSize: -1})
	client.Send(ch, &protocol.CreateQueue{Address: "events", QueueName: "events.q", Durable: true, RequiresResponse: true})
	Expect[*protocol.NullResponse](client, ch)
	for _, body := range []string{"one", "two"} {
		client.Send(ch, &protocol.SessSend{
			Message:          protocol.Message{Address: "events", Durable: true, Body: []byte(body)},
			RequiresResponse: true,
		})
		Expect[*protocol.NullResponse](client, ch)
	}
	env.Stop()

	env = NewEnvironment(t, dir)
	queues, err := env.Admin.ListQueues()
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.Equal(t, "events.q", queues[0].Name)
	assert.EqualValues(t, 2, queues[0].Messages)

	client = env.Dial()
	ch = client.OpenSession(&protocol.CreateSession{AutoCommitSends: true, AutoCommitAcks: true, ConfirmationWindowSize: -1})
	client.Send(ch, &protocol.SessCreateConsumer{ID: 7, QueueName: "events.q", RequiresResponse: true})
	Expect[*protocol.NullResponse](client, ch)
	client.Send(ch, &protocol.SessStart{})

	assert.Equal(t, "one", string(Expect[*protocol.SessReceiveMsg](client, ch).Message.Body))
	assert.Equal(t, "two", string(Expect[*protocol.SessReceiveMsg](client, ch).Message.Body))
}
