package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Backend names accepted in SYNCSTORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendEtcd     = "etcd"
	BackendMemory   = "memory"
)

// Endpoints is a comma separated endpoint list.
type Endpoints []string

func (e *Endpoints) UnmarshalEnvironmentValue(data string) error {
	for _, ep := range strings.Split(data, ",") {
		ep = strings.TrimSpace(ep)
		if ep != "" {
			*e = append(*e, ep)
		}
	}
	return nil
}

type Config struct {
	Backend string `env:"SYNCSTORE_BACKEND,default=postgres"`

	// Relational backend.
	DatabaseURL string `env:"DATABASE_URL"`

	// Distributed backend.
	EtcdEndpoints Endpoints `env:"ETCD_ENDPOINTS"`
	EtcdNamespace string    `env:"ETCD_NAMESPACE,default=/syncstore"`

	// Pool bounds and deadlines.
	PoolMinConns       int32         `env:"POOL_MIN_CONNS,default=1"`
	PoolMaxConns       int32         `env:"POOL_MAX_CONNS,default=16"`
	CheckoutTimeout    time.Duration `env:"CHECKOUT_TIMEOUT,default=5s"`
	TransactionTimeout time.Duration `env:"TRANSACTION_TIMEOUT,default=30s"`

	// Transient failure retries.
	MaxRetries     uint64        `env:"MAX_RETRIES,default=4"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY,default=20ms"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY,default=1s"`

	// Batches.
	BatchLifetime   time.Duration `env:"BATCH_LIFETIME,default=2h"`
	MaxBatchRecords int           `env:"MAX_BATCH_RECORDS,default=100"`

	// Expiry purge.
	PurgeInterval time.Duration `env:"PURGE_INTERVAL,default=10m"`
	PurgePageSize int           `env:"PURGE_PAGE_SIZE,default=1000"`

	// Limits. QuotaBytes == 0 disables quota enforcement.
	QuotaBytes      int64 `env:"QUOTA_BYTES,default=0"`
	MaxPayloadBytes int   `env:"MAX_PAYLOAD_BYTES,default=2097152"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("postgres backend requires DATABASE_URL")
		}
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("etcd backend requires ETCD_ENDPOINTS")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.PoolMaxConns < 1 || c.PoolMinConns < 0 || c.PoolMinConns > c.PoolMaxConns {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.PoolMinConns, c.PoolMaxConns)
	}
	if c.MaxBatchRecords < 1 {
		return fmt.Errorf("invalid max batch records: %d", c.MaxBatchRecords)
	}
	if c.PurgePageSize < 1 {
		return fmt.Errorf("invalid purge page size: %d", c.PurgePageSize)
	}
	return nil
}

// Defaults returns a config suitable for tests and local development:
// the in-memory backend with short windows.
func Defaults() *Config {
	return &Config{
		Backend:            BackendMemory,
		PoolMinConns:       1,
		PoolMaxConns:       4,
		CheckoutTimeout:    5 * time.Second,
		TransactionTimeout: 30 * time.Second,
		MaxRetries:         4,
		RetryBaseDelay:     20 * time.Millisecond,
		RetryMaxDelay:      time.Second,
		BatchLifetime:      2 * time.Hour,
		MaxBatchRecords:    100,
		PurgeInterval:      10 * time.Minute,
		PurgePageSize:      1000,
		MaxPayloadBytes:    2 << 20,
	}
}
