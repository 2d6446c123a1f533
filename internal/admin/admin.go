// Package admin serves the pooler's control surface over the PostgreSQL
// simple-query protocol, so any stock Postgres client can inspect and
// manage it: SHOW DATABASES, SHOW STATS, SHOW CONFIG, RELOAD.
package admin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/user/pgshard/internal/config"
	"github.com/user/pgshard/internal/metrics"
	"github.com/user/pgshard/internal/pool"
	"github.com/user/pgshard/internal/protocol"
	"github.com/user/pgshard/internal/stats"
)

const unsupportedMessage = "Unsupported query against the admin database"

var databaseColumns = []protocol.Column{
	{Name: "name", Type: protocol.Text},
	{Name: "host", Type: protocol.Text},
	{Name: "port", Type: protocol.Text},
	{Name: "database", Type: protocol.Text},
	{Name: "force_user", Type: protocol.Text},
	{Name: "pool_size", Type: protocol.Int4},
	{Name: "min_pool_size", Type: protocol.Int4},
	{Name: "reserve_pool", Type: protocol.Int4},
	{Name: "pool_mode", Type: protocol.Text},
	{Name: "max_connections", Type: protocol.Int4},
	{Name: "current_connections", Type: protocol.Int4},
	{Name: "paused", Type: protocol.Int4},
	{Name: "disabled", Type: protocol.Int4},
}

var configColumns = []protocol.Column{
	{Name: "key", Type: protocol.Text},
	{Name: "value", Type: protocol.Text},
	{Name: "default", Type: protocol.Text},
	{Name: "changeable", Type: protocol.Text},
}

// Handler answers admin queries against the topology registry, the config
// store and the stats aggregator. One Handler serves all admin connections.
type Handler struct {
	registry *pool.Registry
	store    *config.Store
	stats    *stats.Aggregator
	log      *slog.Logger
}

func NewHandler(registry *pool.Registry, store *config.Store, aggregator *stats.Aggregator) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		stats:    aggregator,
		log:      slog.Default().With("component", "admin"),
	}
}

// ServeConn runs the per-connection exchange loop: read one framed query,
// answer it with a single buffered write, repeat. Framing errors are fatal
// to the connection; semantic errors are reported in-band and the
// connection stays usable.
func (h *Handler) ServeConn(conn net.Conn) {
	defer conn.Close()
	log := h.log.With("client", conn.RemoteAddr().String())

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		if frame[0] == protocol.TerminateMessage {
			return
		}

		query, err := protocol.ParseQuery(frame)
		if err != nil {
			// The frame cannot be trusted; resynchronizing on a
			// length-prefixed stream after a miscount is unsafe.
			log.Warn("closing admin connection", "error", err)
			return
		}

		response, err := h.handle(query)
		if err != nil {
			log.Error("admin command failed", "query", query, "error", err)
			return
		}
		if _, err := conn.Write(response); err != nil {
			log.Debug("write failed", "error", err)
			return
		}
	}
}

// handle classifies the query and builds the complete response buffer.
// A returned error aborts the exchange without a partial response.
func (h *Handler) handle(query string) ([]byte, error) {
	command := Classify(query)
	h.log.Debug("admin query", "command", command.String())
	metrics.AdminCommandsTotal.WithLabelValues(command.String()).Inc()

	var buf bytes.Buffer
	switch command {
	case CmdShowStats:
		h.showStats(&buf)
	case CmdReload:
		if err := h.reload(&buf); err != nil {
			return nil, trace.Wrap(err)
		}
	case CmdShowConfig:
		h.showConfig(&buf)
	case CmdShowDatabases:
		if err := h.showDatabases(&buf); err != nil {
			return nil, trace.Wrap(err)
		}
	case CmdSet:
		// Session-setup SET statements from client libraries are absorbed,
		// not interpreted.
		buf.Write(protocol.EncodeCommandComplete("SET"))
		buf.Write(protocol.EncodeReadyForQuery(protocol.StatusIdle))
	default:
		buf.Write(protocol.EncodeErrorResponse(unsupportedMessage))
		buf.Write(protocol.EncodeReadyForQuery(protocol.StatusIdle))
	}
	return buf.Bytes(), nil
}

// showDatabases emits one row per backend server across all shards.
// min_pool_size, reserve_pool, paused and disabled are reserved fields and
// always report 0.
func (h *Handler) showDatabases(buf *bytes.Buffer) error {
	cfg := h.store.Current()
	view := h.registry.View()
	poolSize := strconv.Itoa(cfg.General.PoolSize)

	buf.Write(protocol.EncodeRowDescription(databaseColumns))

	for shard := 0; shard < view.ShardCount(); shard++ {
		database, err := view.Database(shard)
		if err != nil {
			return trace.Wrap(err)
		}
		serverCount, err := view.ServerCount(shard)
		if err != nil {
			return trace.Wrap(err)
		}

		replicaIndex := 0
		for server := 0; server < serverCount; server++ {
			addr, err := view.ServerAddress(shard, server)
			if err != nil {
				return trace.Wrap(err)
			}
			state, err := view.PoolState(shard, server)
			if err != nil {
				return trace.Wrap(err)
			}

			var name string
			switch addr.Role {
			case pool.Primary:
				name = fmt.Sprintf("shard_%d_primary", shard)
			case pool.Replica:
				name = fmt.Sprintf("shard_%d_replica_%d", shard, replicaIndex)
				replicaIndex++
			}

			buf.Write(protocol.EncodeTextRow([]string{
				name,
				addr.Host,
				strconv.Itoa(addr.Port),
				database,
				cfg.User.Name,
				poolSize,
				"0", // min_pool_size
				"0", // reserve_pool
				cfg.General.PoolMode,
				poolSize,
				strconv.Itoa(state.ActiveConnections),
				"0", // paused
				"0", // disabled
			}))
		}
	}

	buf.Write(protocol.EncodeCommandComplete("SHOW"))
	buf.Write(protocol.EncodeReadyForQuery(protocol.StatusIdle))
	return nil
}

// showStats emits a single row covering all shards. Counters the proxy
// core has not written yet read as 0.
func (h *Handler) showStats(buf *bytes.Buffer) {
	columns := make([]protocol.Column, 0, len(stats.ReportedCounters)+1)
	columns = append(columns, protocol.Column{Name: "database", Type: protocol.Text})
	for _, name := range stats.ReportedCounters {
		columns = append(columns, protocol.Column{Name: name, Type: protocol.Numeric})
	}

	row := make([]string, 0, len(columns))
	row = append(row, "all shards")
	for _, name := range stats.ReportedCounters {
		row = append(row, strconv.FormatInt(h.stats.Get(name), 10))
	}

	buf.Write(protocol.EncodeRowDescription(columns))
	buf.Write(protocol.EncodeTextRow(row))
	buf.Write(protocol.EncodeCommandComplete("SHOW"))
	buf.Write(protocol.EncodeReadyForQuery(protocol.StatusIdle))
}

// showConfig flattens the current snapshot into key/value rows.
func (h *Handler) showConfig(buf *bytes.Buffer) {
	cfg := h.store.Current()

	buf.Write(protocol.EncodeRowDescription(configColumns))
	for _, kv := range cfg.Flatten() {
		changeable := "yes"
		if !config.Changeable(kv.Key) {
			changeable = "no"
		}
		buf.Write(protocol.EncodeTextRow([]string{kv.Key, kv.Value, "-", changeable}))
	}
	buf.Write(protocol.EncodeCommandComplete("SHOW"))
	buf.Write(protocol.EncodeReadyForQuery(protocol.StatusIdle))
}

// reload re-reads the configuration file, publishes the new snapshot and
// rebuilds the topology from it. On failure the current snapshot and
// topology stay in effect and the exchange is aborted.
func (h *Handler) reload(buf *bytes.Buffer) error {
	h.log.Info("reloading configuration", "path", h.store.Path())

	if err := h.store.Reload(); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		return trace.Wrap(err)
	}
	if err := h.registry.Rebuild(h.store.Current()); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		return trace.Wrap(err)
	}
	metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()

	buf.Write(protocol.EncodeCommandComplete("RELOAD"))
	buf.Write(protocol.EncodeReadyForQuery(protocol.StatusIdle))
	return nil
}
