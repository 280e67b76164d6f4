// Package broker is the in-process message broker behind the session
// handler: the session registry and control channel, queues and routing,
// consumers with credit-based delivery, local and XA transactions, large
// messages and producer credits.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittomq/internal/logger"
	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/protocol"
	"github.com/marmos91/dittomq/pkg/remoting"
	"github.com/marmos91/dittomq/pkg/server"
)

// Protocol versions.
const (
	ServerVersion    int32 = 2
	MinClientVersion int32 = 1
)

// firstSessionChannelID is the first channel ID handed to a session. Lower
// IDs are reserved for the ping and control channels.
const firstSessionChannelID int64 = 10

// Options configures the broker.
type Options struct {
	// ConfirmationWindowSize is used for sessions that do not ask for a
	// window. -1 disables confirmations.
	ConfirmationWindowSize int

	// ConsumerWindowSize is the initial credit of new consumers. -1 is unbounded.
	ConsumerWindowSize int

	// MinLargeMessageSize is the chunk size for large message deliveries.
	MinLargeMessageSize int

	// AddressMaxSize is the per-address producer budget in bytes. -1 is unbounded.
	AddressMaxSize int64

	// ExpiryAddress receives expired messages. Empty drops them.
	ExpiryAddress string

	// TransactionTimeout is the default XA branch timeout.
	TransactionTimeout time.Duration

	// TransactionScanPeriod is how often timed out branches are reaped.
	// Zero disables the reaper.
	TransactionScanPeriod time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ConfirmationWindowSize: 1 << 20,
		ConsumerWindowSize:     1 << 20,
		MinLargeMessageSize:    100 << 10,
		AddressMaxSize:         -1,
		TransactionTimeout:     5 * time.Minute,
		TransactionScanPeriod:  time.Second,
	}
}

// sessionEntry is a registered session and the handler serving it.
type sessionEntry struct {
	session   *ServerSession
	handler   *server.SessionPacketHandler
	channelID int64
	connID    string
	client    string
}

// Server owns the broker state and accepts sessions on client connections.
//
// It is the transport's acceptor: every new connection gets a control
// channel on which CREATESESSION opens a session channel served by a
// server.SessionPacketHandler.
type Server struct {
	opts           Options
	sm             *persistence.StorageManager
	po             *PostOffice
	rm             *ResourceManager
	metrics        *BrokerMetrics
	sessionMetrics *server.SessionMetrics

	nextChannel atomic.Int64
	started     atomic.Bool
	stopping    atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

var _ remoting.Acceptor = (*Server)(nil)

// NewServer creates a broker on top of sm. Both metric sets may be nil.
func NewServer(sm *persistence.StorageManager, opts Options, m *BrokerMetrics, sessionMetrics *server.SessionMetrics) *Server {
	po := newPostOffice(sm, opts, m)
	s := &Server{
		opts:           opts,
		sm:             sm,
		po:             po,
		rm:             newResourceManager(po, m, opts.TransactionTimeout, opts.TransactionScanPeriod),
		metrics:        m,
		sessionMetrics: sessionMetrics,
		sessions:       make(map[string]*sessionEntry),
	}
	s.nextChannel.Store(firstSessionChannelID - 1)
	return s
}

// Start recovers persisted state and starts the transaction reaper.
func (s *Server) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("broker already started")
	}

	start := time.Now()
	res, err := s.sm.Start(ctx)
	if err != nil {
		return fmt.Errorf("start storage: %w", err)
	}
	stats, err := s.recover(ctx, res)
	if err != nil {
		return fmt.Errorf("recover broker state: %w", err)
	}
	s.metrics.recovered(stats.messages)
	s.rm.start()

	logger.Info("Broker started",
		"queues", stats.queues,
		"messages", stats.messages,
		"prepared", stats.prepared,
		"heuristics", stats.heuristics,
		"orphans", stats.orphans,
		logger.DurationMs(float64(time.Since(start).Microseconds())/1000))
	return nil
}

// Stop closes every session, stops the reaper and shuts storage down.
func (s *Server) Stop(timeout time.Duration) error {
	if s.stopping.Swap(true) {
		return nil
	}

	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.handler.Close()
	}
	s.rm.stop()

	if !s.started.Load() {
		return nil
	}
	if err := s.sm.Stop(timeout); err != nil {
		return fmt.Errorf("stop storage: %w", err)
	}
	logger.Info("Broker stopped", "sessions_closed", len(entries))
	return nil
}

// ============================================================================
// Control Channel
// ============================================================================

// ConnectionCreated installs the control channel on a new connection.
func (s *Server) ConnectionCreated(conn *remoting.NetConnection) {
	var ctrl *remoting.NetChannel
	ctrl = conn.NewChannel(remoting.ControlChannelID, -1, remoting.ChannelHandlerFunc(func(p protocol.Packet) {
		resp := s.handleControl(conn, p)
		if resp == nil {
			return
		}
		if err := ctrl.Send(resp); err != nil {
			logger.Debug("Failed to answer control packet",
				logger.ConnectionID(conn.ID()), logger.Packet(p.Type().String()), logger.Err(err))
		}
	}))
}

func (s *Server) handleControl(conn *remoting.NetConnection, p protocol.Packet) protocol.Packet {
	req, ok := p.(*protocol.CreateSession)
	if !ok {
		logger.Debug("Unexpected packet on control channel",
			logger.ConnectionID(conn.ID()), logger.Packet(p.Type().String()))
		return &protocol.Exception{
			Code:    int32(brokererrors.UnsupportedPacket),
			Message: fmt.Sprintf("%s is not a control packet", p.Type()),
		}
	}

	resp, err := s.createSession(conn, req)
	if err != nil {
		var be *brokererrors.BrokerError
		if !errors.As(err, &be) {
			be = brokererrors.New(brokererrors.InternalError, err.Error())
		}
		logger.Warn("Session creation refused",
			logger.Session(req.Name),
			logger.ClientAddr(conn.RemoteAddr()),
			logger.ErrorCode(int(be.Code)),
			logger.Err(err))
		return &protocol.Exception{Code: int32(be.Code), Message: be.Message}
	}
	return resp
}

// createSession opens a session channel on conn.
func (s *Server) createSession(conn *remoting.NetConnection, req *protocol.CreateSession) (*protocol.CreateSessionResp, error) {
	if s.stopping.Load() {
		s.metrics.sessionRejected("stopping")
		return nil, brokererrors.New(brokererrors.SessionCreationRejected, "broker is shutting down")
	}
	if req.Version < MinClientVersion || req.Version > ServerVersion {
		s.metrics.sessionRejected("version")
		return nil, brokererrors.Newf(brokererrors.IncompatibleClientServerVersions,
			"client version %d is not supported, server version is %d", req.Version, ServerVersion)
	}

	name := req.Name
	if name == "" {
		name = uuid.NewString()
	}
	window := int(req.ConfirmationWindowSize)
	if window == 0 {
		window = s.opts.ConfirmationWindowSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[name]; exists {
		s.metrics.sessionRejected("exists")
		return nil, brokererrors.Newf(brokererrors.SessionExists, "session %s already exists", name)
	}

	exec := persistence.NewOrderedExecutor()
	storage := s.sm.NewSession(exec)
	sess := newServerSession(SessionOptions{
		Name:            name,
		Username:        req.Username,
		XA:              req.XA,
		AutoCommitSends: req.AutoCommitSends,
		AutoCommitAcks:  req.AutoCommitAcks,
		PreAcknowledge:  req.PreAcknowledge,
		DefaultAddress:  req.DefaultAddress,
	}, sessionDeps{
		po:      s.po,
		rm:      s.rm,
		storage: storage,
		exec:    exec,
		metrics: s.metrics,
		onClose: s.removeSession,
	})

	channelID := s.nextChannel.Add(1)
	ch := conn.NewChannel(channelID, window, nil)
	h := server.NewSessionPacketHandler(sess, storage, ch, s.sessionMetrics)
	sess.SetCallback(h)
	ch.SetHandler(h)

	s.sessions[name] = &sessionEntry{
		session:   sess,
		handler:   h,
		channelID: channelID,
		connID:    conn.ID(),
		client:    conn.RemoteAddr(),
	}
	s.metrics.sessionCreated()

	logger.Info("Session created",
		logger.Session(name),
		logger.ChannelID(channelID),
		logger.ConnectionID(conn.ID()),
		logger.ClientAddr(conn.RemoteAddr()),
		"xa", req.XA,
		"window", window)
	return &protocol.CreateSessionResp{ChannelID: channelID, ServerVersion: ServerVersion}, nil
}

func (s *Server) removeSession(sess *ServerSession) {
	s.mu.Lock()
	if e, ok := s.sessions[sess.Name()]; ok && e.session == sess {
		delete(s.sessions, sess.Name())
	}
	s.mu.Unlock()
}

// ============================================================================
// Administration
// ============================================================================

// SessionInfo describes an open session.
type SessionInfo struct {
	Name         string    `json:"name" yaml:"name"`
	Username     string    `json:"username,omitempty" yaml:"username,omitempty"`
	ChannelID    int64     `json:"channel_id" yaml:"channel_id"`
	ConnectionID string    `json:"connection_id" yaml:"connection_id"`
	ClientAddr   string    `json:"client_addr" yaml:"client_addr"`
	XA           bool      `json:"xa" yaml:"xa"`
	Consumers    int       `json:"consumers" yaml:"consumers"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// QueueInfo describes a queue.
type QueueInfo struct {
	Name         string `json:"name" yaml:"name"`
	Address      string `json:"address" yaml:"address"`
	Filter       string `json:"filter,omitempty" yaml:"filter,omitempty"`
	Durable      bool   `json:"durable" yaml:"durable"`
	Temporary    bool   `json:"temporary" yaml:"temporary"`
	Messages     int64  `json:"messages" yaml:"messages"`
	Delivering   int    `json:"delivering" yaml:"delivering"`
	Consumers    int    `json:"consumers" yaml:"consumers"`
	Added        int64  `json:"added" yaml:"added"`
	Acknowledged int64  `json:"acknowledged" yaml:"acknowledged"`
	Expired      int64  `json:"expired" yaml:"expired"`
}

// TransactionInfo describes an XA branch or a heuristic outcome.
type TransactionInfo struct {
	Xid       string    `json:"xid" yaml:"xid"`
	State     string    `json:"state" yaml:"state"`
	Sends     int       `json:"sends" yaml:"sends"`
	Acks      int       `json:"acks" yaml:"acks"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Sessions lists the open sessions ordered by name.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for name, e := range s.sessions {
		out = append(out, SessionInfo{
			Name:         name,
			Username:     e.session.opts.Username,
			ChannelID:    e.channelID,
			ConnectionID: e.connID,
			ClientAddr:   e.client,
			XA:           e.session.opts.XA,
			Consumers:    e.session.ConsumerCount(),
			CreatedAt:    e.session.CreatedAt(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Queues lists every queue ordered by name.
func (s *Server) Queues() []QueueInfo {
	queues := s.po.listQueues()
	out := make([]QueueInfo, 0, len(queues))
	for _, q := range queues {
		added, acked, expired := q.Stats()
		out = append(out, QueueInfo{
			Name:         q.Name,
			Address:      q.Address,
			Filter:       q.Filter.String(),
			Durable:      q.Durable,
			Temporary:    q.Temporary,
			Messages:     q.MessageCount(),
			Delivering:   q.DeliveringCount(),
			Consumers:    q.ConsumerCount(),
			Added:        added,
			Acknowledged: acked,
			Expired:      expired,
		})
	}
	return out
}

// Transactions lists the XA branches followed by the heuristic outcomes.
func (s *Server) Transactions() []TransactionInfo {
	var out []TransactionInfo
	for _, tx := range s.rm.Transactions() {
		sends, acks := tx.Counts()
		out = append(out, TransactionInfo{
			Xid:       tx.xid.String(),
			State:     tx.State().String(),
			Sends:     sends,
			Acks:      acks,
			CreatedAt: tx.CreatedAt(),
		})
	}
	for _, h := range s.rm.Heuristics() {
		state := "HEURISTIC_ROLLBACK"
		if h.Committed {
			state = "HEURISTIC_COMMIT"
		}
		out = append(out, TransactionInfo{Xid: h.Key, State: state, CreatedAt: h.CompletedAt})
	}
	return out
}

// HeuristicCommit commits the prepared branch identified by its string form.
func (s *Server) HeuristicCommit(ctx context.Context, xid string) error {
	x, err := protocol.ParseXid(xid)
	if err != nil {
		return brokererrors.NewXAError(brokererrors.XAErInval, "invalid xid %q: %v", xid, err)
	}
	return s.rm.HeuristicCommit(ctx, x)
}

// HeuristicRollback rolls back the prepared branch identified by its string form.
func (s *Server) HeuristicRollback(ctx context.Context, xid string) error {
	x, err := protocol.ParseXid(xid)
	if err != nil {
		return brokererrors.NewXAError(brokererrors.XAErInval, "invalid xid %q: %v", xid, err)
	}
	return s.rm.HeuristicRollback(ctx, x)
}

// Healthcheck reports whether storage is usable.
func (s *Server) Healthcheck(ctx context.Context) error {
	if s.stopping.Load() {
		return errors.New("broker is stopping")
	}
	if err, at := s.sm.Writer().LastError(); err != nil {
		return fmt.Errorf("journal write failed at %s: %w", at.Format(time.RFC3339), err)
	}
	if store := s.sm.Store(); store != nil {
		return store.Healthcheck(ctx)
	}
	return nil
}
