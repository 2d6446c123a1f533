// Package proxy multiplexes ordinary client traffic onto the sharded
// backend pools. Admin traffic never passes through here; it is handled by
// the admin package on its own listener.
package proxy

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/gravitational/trace"

	"github.com/user/pgshard/internal/metrics"
	"github.com/user/pgshard/internal/pool"
	"github.com/user/pgshard/internal/protocol"
	"github.com/user/pgshard/internal/router"
	"github.com/user/pgshard/internal/stats"
)

const sslRequestCode = 80877103

type Proxy struct {
	registry *pool.Registry
	router   *router.Router
	stats    *stats.Aggregator
	log      *slog.Logger
}

func NewProxy(registry *pool.Registry, r *router.Router, aggregator *stats.Aggregator) *Proxy {
	return &Proxy{
		registry: registry,
		router:   r,
		stats:    aggregator,
		log:      slog.Default().With("component", "proxy"),
	}
}

// Session tracks one client connection. Backend connections are acquired
// lazily per destination and handed back when the session ends or when it
// is safe to release the read-only one.
type Session struct {
	clientConn net.Conn

	shard         int
	primaryConn   net.Conn
	primaryPool   *pool.Pool
	replicaConn   net.Conn
	replicaPool   *pool.Pool
	inTransaction bool
	sessionPinned bool
	extendedDest  router.Destination

	proxy *Proxy
	log   *slog.Logger
}

func (p *Proxy) HandleClient(clientConn net.Conn) {
	startupMsg, err := handleHandshake(clientConn)
	if err != nil {
		p.log.Warn("handshake failed", "client", clientConn.RemoteAddr().String(), "error", err)
		return
	}

	session := &Session{
		clientConn: clientConn,
		proxy:      p,
		log:        p.log.With("client", clientConn.RemoteAddr().String()),
	}
	defer session.cleanup()

	if err := session.init(startupMsg); err != nil {
		session.log.Warn("session init failed", "error", err)
		return
	}

	session.run()
}

// init forwards the client's startup message to the shard primary; the
// backend server performs authentication, we only relay it.
func (s *Session) init(startupMsg []byte) error {
	conn, err := s.backendConn(router.Primary)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := conn.Write(startupMsg); err != nil {
		return trace.Wrap(err, "forwarding startup message")
	}
	return trace.Wrap(s.relayResponse(conn))
}

func (s *Session) run() {
	for {
		msgType, body, err := protocol.ReadMessage(s.clientConn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("client read failed", "error", err)
			}
			return
		}
		s.proxy.stats.Incr("total_received", int64(len(body)+5))

		switch msgType {
		case protocol.QueryMessage:
			if !s.handleQuery(msgType, body) {
				return
			}
		case protocol.ParseMessage:
			if !s.handleParse(msgType, body) {
				return
			}
		case protocol.BindMessage, protocol.ExecuteMessage,
			protocol.DescribeMessage, protocol.CloseMessage:
			// Must reach the same connection the Parse went to.
			if !s.forward(s.extendedDest, msgType, body, false) {
				return
			}
		case protocol.SyncMessage, protocol.FlushMessage:
			if !s.forward(s.extendedDest, msgType, body, true) {
				return
			}
		case protocol.TerminateMessage:
			s.log.Debug("client terminated connection")
			return
		default:
			if !s.forward(router.Primary, msgType, body, true) {
				return
			}
		}
	}
}

func (s *Session) handleQuery(msgType byte, body []byte) bool {
	s.proxy.stats.Incr("total_query_count", 1)

	query := string(body)
	if n := len(query); n > 0 && query[n-1] == 0 {
		query = query[:n-1]
	}

	// "SET SHARD TO 'n'" selects the shard for the rest of the session.
	// It is answered locally and never reaches a backend.
	if shard, ok := router.ShardHint(query); ok {
		return s.selectShard(shard)
	}

	dest := s.proxy.router.Route(query, s.inTransaction || s.sessionPinned)
	metrics.QueriesTotal.WithLabelValues(dest.String()).Inc()

	if !s.forward(dest, msgType, body, true) {
		return false
	}

	if router.IsTransactionStart(query) {
		s.inTransaction = true
	} else if router.IsTransactionEnd(query) {
		s.proxy.stats.Incr("total_xact_count", 1)
		s.inTransaction = false
		s.releaseReplicaIfSafe()
	}

	if router.IsSessionModification(query) {
		s.sessionPinned = true
		s.releaseReplicaIfSafe()
	}
	return true
}

func (s *Session) handleParse(msgType byte, body []byte) bool {
	s.proxy.stats.Incr("total_query_count", 1)

	query := extractQueryFromParse(body)
	s.extendedDest = s.proxy.router.Route(query, s.inTransaction || s.sessionPinned)
	metrics.QueriesTotal.WithLabelValues(s.extendedDest.String()).Inc()

	if router.IsSessionModification(query) {
		s.sessionPinned = true
		s.releaseReplicaIfSafe()
		s.extendedDest = router.Primary
	}

	// Parse gets no standalone response; the client follows up with
	// Bind/Execute/Sync.
	return s.forward(s.extendedDest, msgType, body, false)
}

// selectShard switches the session to another shard, dropping the backend
// connections of the old one.
func (s *Session) selectShard(shard int) bool {
	if s.inTransaction {
		s.log.Warn("shard change inside a transaction rejected")
		return s.respond(protocol.EncodeErrorResponse("cannot change shard inside a transaction"),
			protocol.EncodeReadyForQuery(protocol.StatusInTransaction))
	}
	if shard < 0 || shard >= s.registryShardCount() {
		return s.respond(protocol.EncodeErrorResponse("no such shard"),
			protocol.EncodeReadyForQuery(protocol.StatusIdle))
	}

	s.releaseBackends()
	s.shard = shard
	return s.respond(protocol.EncodeCommandComplete("SET"),
		protocol.EncodeReadyForQuery(protocol.StatusIdle))
}

func (s *Session) registryShardCount() int {
	return s.proxy.registry.ShardCount()
}

func (s *Session) respond(msgs ...[]byte) bool {
	var out []byte
	for _, m := range msgs {
		out = append(out, m...)
	}
	if _, err := s.clientConn.Write(out); err != nil {
		return false
	}
	s.proxy.stats.Incr("total_sent", int64(len(out)))
	return true
}

// forward relays one framed message to the chosen backend, optionally
// relaying the backend's response until ReadyForQuery.
func (s *Session) forward(dest router.Destination, msgType byte, body []byte, await bool) bool {
	conn, err := s.backendConn(dest)
	if err != nil {
		s.log.Warn("no backend connection", "shard", s.shard, "error", err)
		metrics.ErrorsTotal.Inc()
		return false
	}

	frame := make([]byte, 0, 5+len(body))
	frame = append(frame, msgType)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)+4))
	frame = append(frame, body...)

	if _, err := conn.Write(frame); err != nil {
		s.log.Warn("backend write failed", "error", err)
		metrics.ErrorsTotal.Inc()
		return false
	}
	if !await {
		return true
	}
	if err := s.relayResponse(conn); err != nil {
		s.log.Warn("relaying backend response failed", "error", err)
		metrics.ErrorsTotal.Inc()
		return false
	}
	return true
}

func (s *Session) backendConn(dest router.Destination) (net.Conn, error) {
	if dest == router.Primary {
		if s.primaryConn == nil {
			p, err := s.proxy.registry.Primary(s.shard)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			conn, err := p.Get()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			s.primaryConn, s.primaryPool = conn, p
		}
		return s.primaryConn, nil
	}

	if s.replicaConn == nil {
		p, err := s.proxy.registry.NextReplica(s.shard)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		conn, err := p.Get()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.replicaConn, s.replicaPool = conn, p
	}
	return s.replicaConn, nil
}

func (s *Session) releaseReplicaIfSafe() {
	if s.replicaConn != nil {
		s.replicaPool.Put(s.replicaConn)
		s.replicaConn, s.replicaPool = nil, nil
	}
}

func (s *Session) releaseBackends() {
	if s.primaryConn != nil {
		s.primaryPool.Put(s.primaryConn)
		s.primaryConn, s.primaryPool = nil, nil
	}
	s.releaseReplicaIfSafe()
}

func (s *Session) cleanup() {
	s.releaseBackends()
}

func extractQueryFromParse(body []byte) string {
	// Parse message: statement name (NUL-terminated), query string
	// (NUL-terminated), then parameter type info.
	var i int
	for i = 0; i < len(body); i++ {
		if body[i] == 0 {
			break
		}
	}
	i++

	if i >= len(body) {
		return ""
	}

	var j int
	for j = i; j < len(body); j++ {
		if body[j] == 0 {
			break
		}
	}

	return string(body[i:j])
}

// relayResponse streams backend messages to the client until the backend
// reports ReadyForQuery, pausing to relay client credentials when the
// backend asks for authentication.
func (s *Session) relayResponse(backendConn net.Conn) error {
	for {
		msgType, body, err := protocol.ReadMessage(backendConn)
		if err != nil {
			return trace.Wrap(err)
		}

		frame := make([]byte, 0, 5+len(body))
		frame = append(frame, msgType)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)+4))
		frame = append(frame, body...)

		if _, err := s.clientConn.Write(frame); err != nil {
			return trace.Wrap(err)
		}
		s.proxy.stats.Incr("total_sent", int64(len(frame)))

		if msgType == protocol.Authentication && len(body) >= 4 {
			authType := binary.BigEndian.Uint32(body[:4])
			if authType != 0 {
				if err := s.relayAuthResponse(backendConn); err != nil {
					return trace.Wrap(err)
				}
				continue
			}
		}

		if msgType == protocol.ReadyForQuery {
			return nil
		}
	}
}

// relayAuthResponse forwards one client message (e.g. PasswordMessage) to
// the backend during the authentication dance.
func (s *Session) relayAuthResponse(backendConn net.Conn) error {
	msgType, body, err := protocol.ReadMessage(s.clientConn)
	if err != nil {
		return trace.Wrap(err)
	}

	frame := make([]byte, 0, 5+len(body))
	frame = append(frame, msgType)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)+4))
	frame = append(frame, body...)

	_, err = backendConn.Write(frame)
	return trace.Wrap(err)
}

// handleHandshake consumes the startup phase: SSLRequest is politely
// declined, then the StartupMessage is returned intact for forwarding.
func handleHandshake(clientConn net.Conn) ([]byte, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(clientConn, buf[:4]); err != nil {
		return nil, trace.Wrap(err, "reading packet length")
	}
	length := int32(binary.BigEndian.Uint32(buf[:4]))
	if length < 8 || length > 1<<16 {
		return nil, trace.BadParameter("startup packet length %d out of bounds", length)
	}
	if _, err := io.ReadFull(clientConn, buf[4:8]); err != nil {
		return nil, trace.Wrap(err, "reading protocol code")
	}
	code := int32(binary.BigEndian.Uint32(buf[4:8]))
	if code == sslRequestCode {
		if _, err := clientConn.Write([]byte("N")); err != nil {
			return nil, trace.Wrap(err, "declining SSL")
		}
		return handleHandshake(clientConn)
	}

	rest := make([]byte, length-8)
	if _, err := io.ReadFull(clientConn, rest); err != nil {
		return nil, trace.Wrap(err, "reading startup message")
	}

	return append(buf[:8], rest...), nil
}
