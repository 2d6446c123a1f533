package pool

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/user/pgshard/internal/config"
)

var (
	ErrInvalidShard  = errors.New("shard index out of range")
	ErrInvalidServer = errors.New("server index out of range")
)

// Role distinguishes the read/write primary of a shard from its read-only
// replicas.
type Role int

const (
	Primary Role = iota
	Replica
)

func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "replica"
}

// Address is the advertised identity of one backend server.
type Address struct {
	Role Role
	Host string
	Port int
}

// PoolState is a best-effort observation of one server's live pool.
type PoolState struct {
	ActiveConnections int
}

type server struct {
	addr Address
	pool *Pool
}

type shard struct {
	database string
	servers  []*server // primary first, then replicas in config order

	nextReplica atomic.Uint64
}

// topology is one immutable arrangement of shards and servers, built from
// exactly one config snapshot.
type topology struct {
	configVersion uint64
	shards        []*shard
}

// Registry maps shard and server indices to live backend pools. Many
// connection handlers read it concurrently; Rebuild swaps in a topology
// built from a fresh config snapshot with a single atomic store, so a
// reader never sees shards from one snapshot paired with servers from
// another.
type Registry struct {
	current atomic.Pointer[topology]
	log     *slog.Logger
}

func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		log: slog.Default().With("component", "registry"),
	}
	if err := r.Rebuild(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// Rebuild constructs pools for every server in cfg and publishes the new
// topology. Pools of the previous topology are closed after the swap;
// sessions still holding their connections keep them until they finish.
func (r *Registry) Rebuild(cfg *config.Config) error {
	top := &topology{configVersion: cfg.Version}
	for i, sc := range cfg.Shards {
		sh := &shard{database: sc.Database}

		primary, err := newServer(Primary, sc.Primary.Address, cfg)
		if err != nil {
			top.close()
			return trace.Wrap(err, "shard %d", i)
		}
		sh.servers = append(sh.servers, primary)

		for j, rc := range sc.Replicas {
			replica, err := newServer(Replica, rc.Address, cfg)
			if err != nil {
				top.close()
				return trace.Wrap(err, "shard %d replica %d", i, j)
			}
			sh.servers = append(sh.servers, replica)
		}
		top.shards = append(top.shards, sh)
	}

	old := r.current.Swap(top)
	if old != nil {
		old.close()
	}
	r.log.Info("topology rebuilt",
		"config_version", cfg.Version, "shards", len(top.shards))
	return nil
}

func newServer(role Role, address string, cfg *config.Config) (*server, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, trace.BadParameter("invalid address %q: %v", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, trace.BadParameter("invalid port in %q: %v", address, err)
	}
	return &server{
		addr: Address{Role: role, Host: host, Port: port},
		pool: NewPool(address, cfg.General.PoolSize,
			cfg.General.IdleTimeout, cfg.General.ConnectTimeout),
	}, nil
}

func (t *topology) close() {
	for _, sh := range t.shards {
		for _, srv := range sh.servers {
			srv.pool.Close()
		}
	}
}

// Close shuts down every pool of the current topology.
func (r *Registry) Close() {
	if top := r.current.Load(); top != nil {
		top.close()
	}
}

// View pins the current topology so a multi-step read (like SHOW DATABASES
// walking every shard and server) observes one consistent snapshot even if
// a reload lands mid-walk.
func (r *Registry) View() View {
	return View{top: r.current.Load()}
}

func (r *Registry) ShardCount() int { return r.View().ShardCount() }

func (r *Registry) ServerCount(shard int) (int, error) { return r.View().ServerCount(shard) }

func (r *Registry) ServerAddress(shard, server int) (Address, error) {
	return r.View().ServerAddress(shard, server)
}

func (r *Registry) PoolState(shard, server int) (PoolState, error) {
	return r.View().PoolState(shard, server)
}

func (r *Registry) Database(shard int) (string, error) { return r.View().Database(shard) }

// Primary returns the pool of the shard's read/write server.
func (r *Registry) Primary(shardIdx int) (*Pool, error) {
	sh, err := r.View().shardAt(shardIdx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sh.servers[0].pool, nil
}

// NextReplica returns a replica pool for the shard, rotating round-robin.
// Shards without replicas fall back to the primary.
func (r *Registry) NextReplica(shardIdx int) (*Pool, error) {
	sh, err := r.View().shardAt(shardIdx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	replicas := sh.servers[1:]
	if len(replicas) == 0 {
		return sh.servers[0].pool, nil
	}
	n := sh.nextReplica.Add(1) - 1
	return replicas[n%uint64(len(replicas))].pool, nil
}

// View is a read-only handle on one topology snapshot.
type View struct {
	top *topology
}

// ConfigVersion reports which config snapshot the topology was built from.
func (v View) ConfigVersion() uint64 {
	return v.top.configVersion
}

func (v View) ShardCount() int {
	return len(v.top.shards)
}

func (v View) shardAt(idx int) (*shard, error) {
	if idx < 0 || idx >= len(v.top.shards) {
		return nil, trace.Wrap(ErrInvalidShard, "shard %d of %d", idx, len(v.top.shards))
	}
	return v.top.shards[idx], nil
}

func (v View) serverAt(shardIdx, serverIdx int) (*server, error) {
	sh, err := v.shardAt(shardIdx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if serverIdx < 0 || serverIdx >= len(sh.servers) {
		return nil, trace.Wrap(ErrInvalidServer, "server %d of %d in shard %d",
			serverIdx, len(sh.servers), shardIdx)
	}
	return sh.servers[serverIdx], nil
}

func (v View) ServerCount(shardIdx int) (int, error) {
	sh, err := v.shardAt(shardIdx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return len(sh.servers), nil
}

func (v View) ServerAddress(shardIdx, serverIdx int) (Address, error) {
	srv, err := v.serverAt(shardIdx, serverIdx)
	if err != nil {
		return Address{}, trace.Wrap(err)
	}
	return srv.addr, nil
}

func (v View) PoolState(shardIdx, serverIdx int) (PoolState, error) {
	srv, err := v.serverAt(shardIdx, serverIdx)
	if err != nil {
		return PoolState{}, trace.Wrap(err)
	}
	return PoolState{ActiveConnections: srv.pool.OpenConnections()}, nil
}

func (v View) Database(shardIdx int) (string, error) {
	sh, err := v.shardAt(shardIdx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return sh.database, nil
}
