package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/pgshard/internal/config"
)

func testConfig(t *testing.T, replicasPerShard int, shardCount int) *config.Config {
	t.Helper()
	cfg := &config.Config{
		General: config.GeneralConfig{
			Host:           "127.0.0.1",
			Port:           6432,
			AdminPort:      9876,
			ConnectTimeout: time.Second,
			PoolSize:       2,
			PoolMode:       config.PoolModeTransaction,
			IdleTimeout:    time.Minute,
		},
		User:    config.UserConfig{Name: "pgshard"},
		Version: 1,
	}
	for i := 0; i < shardCount; i++ {
		sc := config.ShardConfig{
			Database: "shard" + string(rune('0'+i)),
			Primary:  config.BackendNode{Address: mockBackend(t)},
		}
		for j := 0; j < replicasPerShard; j++ {
			sc.Replicas = append(sc.Replicas, config.BackendNode{Address: mockBackend(t)})
		}
		cfg.Shards = append(cfg.Shards, sc)
	}
	return cfg
}

func TestRegistryTopology(t *testing.T) {
	reg, err := NewRegistry(testConfig(t, 2, 2))
	require.NoError(t, err)
	defer reg.Close()

	require.Equal(t, 2, reg.ShardCount())

	for shard := 0; shard < 2; shard++ {
		n, err := reg.ServerCount(shard)
		require.NoError(t, err)
		require.Equal(t, 3, n, "one primary and two replicas")

		addr, err := reg.ServerAddress(shard, 0)
		require.NoError(t, err)
		require.Equal(t, Primary, addr.Role, "server 0 is always the primary")
		require.Equal(t, "127.0.0.1", addr.Host)
		require.NotZero(t, addr.Port)

		for srv := 1; srv < n; srv++ {
			addr, err := reg.ServerAddress(shard, srv)
			require.NoError(t, err)
			require.Equal(t, Replica, addr.Role)
		}
	}

	db, err := reg.Database(0)
	require.NoError(t, err)
	require.Equal(t, "shard0", db)
}

func TestRegistryIndexErrors(t *testing.T) {
	reg, err := NewRegistry(testConfig(t, 0, 1))
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.ServerCount(1)
	require.ErrorIs(t, err, ErrInvalidShard)

	_, err = reg.ServerAddress(-1, 0)
	require.ErrorIs(t, err, ErrInvalidShard)

	_, err = reg.ServerAddress(0, 1)
	require.ErrorIs(t, err, ErrInvalidServer)

	_, err = reg.PoolState(0, 5)
	require.ErrorIs(t, err, ErrInvalidServer)
}

func TestRegistryPoolState(t *testing.T) {
	reg, err := NewRegistry(testConfig(t, 0, 1))
	require.NoError(t, err)
	defer reg.Close()

	primary, err := reg.Primary(0)
	require.NoError(t, err)

	conn, err := primary.Get()
	require.NoError(t, err)
	defer primary.Put(conn)

	state, err := reg.PoolState(0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, state.ActiveConnections, 1)
}

func TestRegistryRebuildSwapsWholeTopology(t *testing.T) {
	reg, err := NewRegistry(testConfig(t, 1, 1))
	require.NoError(t, err)
	defer reg.Close()

	before := reg.View()
	require.Equal(t, 1, before.ShardCount())
	require.EqualValues(t, 1, before.ConfigVersion())

	cfg := testConfig(t, 0, 2)
	cfg.Version = 2
	require.NoError(t, reg.Rebuild(cfg))

	// The pinned view still describes the old topology end to end.
	require.Equal(t, 1, before.ShardCount())
	n, err := before.ServerCount(0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// New readers see the new topology.
	after := reg.View()
	require.Equal(t, 2, after.ShardCount())
	require.EqualValues(t, 2, after.ConfigVersion())
	n, err = after.ServerCount(0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRegistryNextReplicaRoundRobin(t *testing.T) {
	reg, err := NewRegistry(testConfig(t, 2, 1))
	require.NoError(t, err)
	defer reg.Close()

	first, err := reg.NextReplica(0)
	require.NoError(t, err)
	second, err := reg.NextReplica(0)
	require.NoError(t, err)
	third, err := reg.NextReplica(0)
	require.NoError(t, err)

	require.NotEqual(t, first.Address(), second.Address())
	require.Equal(t, first.Address(), third.Address())
}

func TestRegistryNextReplicaFallsBackToPrimary(t *testing.T) {
	reg, err := NewRegistry(testConfig(t, 0, 1))
	require.NoError(t, err)
	defer reg.Close()

	primary, err := reg.Primary(0)
	require.NoError(t, err)
	replica, err := reg.NextReplica(0)
	require.NoError(t, err)
	require.Same(t, primary, replica)
}
