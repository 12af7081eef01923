package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndpointsUnmarshal(t *testing.T) {
	var e Endpoints
	require.NoError(t, e.UnmarshalEnvironmentValue("a:2379, b:2379 ,,c:2379"))
	require.Equal(t, Endpoints{"a:2379", "b:2379", "c:2379"}, e)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg = Defaults()
	cfg.Backend = BackendPostgres
	require.Error(t, cfg.Validate(), "postgres requires a database url")
	cfg.DatabaseURL = "postgres://localhost/syncstore"
	require.NoError(t, cfg.Validate())

	cfg = Defaults()
	cfg.Backend = BackendEtcd
	require.Error(t, cfg.Validate(), "etcd requires endpoints")
	cfg.EtcdEndpoints = Endpoints{"localhost:2379"}
	require.NoError(t, cfg.Validate())

	cfg = Defaults()
	cfg.Backend = "tape"
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.PoolMinConns = 8
	cfg.PoolMaxConns = 4
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.MaxBatchRecords = 0
	require.Error(t, cfg.Validate())
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SYNCSTORE_BACKEND", "memory")
	t.Setenv("QUOTA_BYTES", "1024")
	t.Setenv("BATCH_LIFETIME", "90s")

	cfg, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, int64(1024), cfg.QuotaBytes)
	require.Equal(t, 90*time.Second, cfg.BatchLifetime)
	require.Equal(t, int32(16), cfg.PoolMaxConns)
}
