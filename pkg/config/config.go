// Package config holds the typed, YAML-loaded configuration blocks for
// every background component. No component parses flags itself;
// cmd/tabletnode is the only place command-line/YAML wiring happens.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DynamicStoreConfig bounds a single dynamic store's lifecycle.
type DynamicStoreConfig struct {
	InitialArenaBytes int64         `yaml:"initial_arena_bytes"`
	AutoFlushPeriod   time.Duration `yaml:"auto_flush_period"`
}

// StoreManagerConfig configures rotation thresholds and the blocked-row
// retry budget for the write path.
type StoreManagerConfig struct {
	RotationErrorBackoff       time.Duration `yaml:"rotation_error_backoff"`
	RotationErrorBackoffJitter float64       `yaml:"rotation_error_backoff_jitter"`
	MemoryLimit                int64         `yaml:"memory_limit"`
	ForcedRotationRatio        float64       `yaml:"forced_rotation_ratio"`

	// MaxBlockedRowWait bounds how long ExecuteAtomicWrite retries a
	// WriteBlocked row before failing the write.
	MaxBlockedRowWait time.Duration `yaml:"max_blocked_row_wait"`
}

// TransactionManagerConfig configures leases and the abort-id pool.
type TransactionManagerConfig struct {
	DefaultTransactionTimeout time.Duration `yaml:"default_transaction_timeout"`
	BarrierScanInterval       time.Duration `yaml:"barrier_scan_interval"`
	AbortIDPoolSize           int           `yaml:"abort_id_pool_size"`
}

// FlusherConfig configures the flush pipeline.
type FlusherConfig struct {
	ScanInterval       time.Duration `yaml:"scan_interval"`
	MaxConcurrentFlush int           `yaml:"max_concurrent_flush"`
	RowBatchSize       int           `yaml:"row_batch_size"`
}

// CompactorConfig configures OSC-driven scheduling.
type CompactorConfig struct {
	ScanInterval              time.Duration `yaml:"scan_interval"`
	MaxOverlappingStoreCount  int           `yaml:"max_overlapping_store_count"`
	MaxConcurrentCompactions  int           `yaml:"max_concurrent_compactions"`
	MaxConcurrentPartitionings int          `yaml:"max_concurrent_partitionings"`
	MinPartitioningCount      int           `yaml:"min_partitioning_count"`
	MaxPartitioningCount      int           `yaml:"max_partitioning_count"`
	MinPartitioningDataSize   int64         `yaml:"min_partitioning_data_size"`
	MaxPartitioningDataSize   int64         `yaml:"max_partitioning_data_size"`
	CompactionDataSizeBase    int64         `yaml:"compaction_data_size_base"`
	CompactionDataSizeRatio   float64       `yaml:"compaction_data_size_ratio"`
	CompactionErrorBackoff    time.Duration `yaml:"compaction_error_backoff"`
	CompactionErrorBackoffJitter float64    `yaml:"compaction_error_backoff_jitter"`
	PeriodicCompactionAge     time.Duration `yaml:"periodic_compaction_age"`
}

// BalancerConfig configures partition reshaping.
type BalancerConfig struct {
	ScanInterval              time.Duration `yaml:"scan_interval"`
	MaxPartitionDataSize      int64         `yaml:"max_partition_data_size"`
	DesiredPartitionDataSize  int64         `yaml:"desired_partition_data_size"`
	MinPartitionDataSize      int64         `yaml:"min_partition_data_size"`
	MaxPartitionCount         int           `yaml:"max_partition_count"`
	MaxPartitioningSampleCount int          `yaml:"max_partitioning_sample_count"`
	SamplesPerPartition       int           `yaml:"samples_per_partition"`
	ResamplingPeriod          time.Duration `yaml:"resampling_period"`
	MaxConcurrentSampling     int           `yaml:"max_concurrent_sampling"`
}

// InMemoryConfig configures preload and the intercepting cache.
type InMemoryConfig struct {
	MaxConcurrentPreloads int   `yaml:"max_concurrent_preloads"`
	MemoryLimit           int64 `yaml:"memory_limit"`
	HashTableSize         int   `yaml:"hash_table_size"`
}

// ConnPoolConfig configures the standalone HTTP connection pool.
type ConnPoolConfig struct {
	PoolSize        int           `yaml:"pool_size"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	PreferIPv6      bool          `yaml:"prefer_ipv6"`
}

// SecurityConfig configures the permission cache.
type SecurityConfig struct {
	PermissionCacheSize int           `yaml:"permission_cache_size"`
	PermissionCacheTTL  time.Duration `yaml:"permission_cache_ttl"`
}

// ReplicatedLogConfig configures the raft-backed replicated log.
type ReplicatedLogConfig struct {
	NodeID            string        `yaml:"node_id"`
	BindAddr          string        `yaml:"bind_addr"`
	DataDir           string        `yaml:"data_dir"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	LeaderLeaseTimeout time.Duration `yaml:"leader_lease_timeout"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	Bootstrap         bool          `yaml:"bootstrap"`
}

// LogConfig mirrors the ambient logging config.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Config is the top-level typed configuration for one tabletnode
// process, loaded from a single YAML document.
type Config struct {
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`
	MasterAddr  string `yaml:"master_addr"`

	// PeerHealthAddrs lists the health addresses of the other tablet
	// nodes in this cell; the health server's /cluster endpoint probes
	// them through the connection pool.
	PeerHealthAddrs []string `yaml:"peer_health_addrs"`

	Log             LogConfig                `yaml:"log"`
	ReplicatedLog   ReplicatedLogConfig      `yaml:"replicated_log"`
	DynamicStore    DynamicStoreConfig       `yaml:"dynamic_store"`
	StoreManager    StoreManagerConfig       `yaml:"store_manager"`
	TransactionMgr  TransactionManagerConfig `yaml:"transaction_manager"`
	Flusher         FlusherConfig            `yaml:"flusher"`
	Compactor       CompactorConfig          `yaml:"compactor"`
	Balancer        BalancerConfig           `yaml:"balancer"`
	InMemory        InMemoryConfig           `yaml:"in_memory"`
	ConnPool        ConnPoolConfig           `yaml:"conn_pool"`
	Security        SecurityConfig           `yaml:"security"`
}

// Default returns a Config populated with working defaults for every
// component.
func Default() Config {
	return Config{
		MetricsAddr: ":9090",
		DataDir:     "/var/lib/tabletnode",
		MasterAddr:  "127.0.0.1:9091",
		Log:         LogConfig{Level: "info"},
		ReplicatedLog: ReplicatedLogConfig{
			HeartbeatTimeout:   500 * time.Millisecond,
			ElectionTimeout:    500 * time.Millisecond,
			CommitTimeout:      50 * time.Millisecond,
			LeaderLeaseTimeout: 250 * time.Millisecond,
			ApplyTimeout:       5 * time.Second,
		},
		DynamicStore: DynamicStoreConfig{
			InitialArenaBytes: 1 << 20,
			AutoFlushPeriod:   20 * time.Minute,
		},
		StoreManager: StoreManagerConfig{
			RotationErrorBackoff:       30 * time.Second,
			RotationErrorBackoffJitter: 0.2,
			MemoryLimit:                4 << 30,
			ForcedRotationRatio:        0.7,
			MaxBlockedRowWait:          5 * time.Second,
		},
		TransactionMgr: TransactionManagerConfig{
			DefaultTransactionTimeout: 60 * time.Second,
			BarrierScanInterval:       100 * time.Millisecond,
			AbortIDPoolSize:           4096,
		},
		Flusher: FlusherConfig{
			ScanInterval:       5 * time.Second,
			MaxConcurrentFlush: 4,
			RowBatchSize:       1024,
		},
		Compactor: CompactorConfig{
			ScanInterval:                 10 * time.Second,
			MaxOverlappingStoreCount:     30,
			MaxConcurrentCompactions:     4,
			MaxConcurrentPartitionings:   2,
			MinPartitioningCount:         2,
			MaxPartitioningCount:         16,
			MinPartitioningDataSize:      64 << 20,
			MaxPartitioningDataSize:      1 << 30,
			CompactionDataSizeBase:       16 << 20,
			CompactionDataSizeRatio:      2.0,
			CompactionErrorBackoff:       30 * time.Second,
			CompactionErrorBackoffJitter: 0.2,
			PeriodicCompactionAge:        7 * 24 * time.Hour,
		},
		Balancer: BalancerConfig{
			ScanInterval:               30 * time.Second,
			MaxPartitionDataSize:       256 << 20,
			DesiredPartitionDataSize:   192 << 20,
			MinPartitionDataSize:       32 << 20,
			MaxPartitionCount:          1 << 16,
			MaxPartitioningSampleCount: 1000,
			SamplesPerPartition:        100,
			ResamplingPeriod:           5 * time.Minute,
			MaxConcurrentSampling:      4,
		},
		InMemory: InMemoryConfig{
			MaxConcurrentPreloads: 4,
			MemoryLimit:           2 << 30,
			HashTableSize:         0,
		},
		ConnPool: ConnPoolConfig{
			PoolSize:       8,
			ConnectTimeout: 5 * time.Second,
			IdleTimeout:    90 * time.Second,
		},
		Security: SecurityConfig{
			PermissionCacheSize: 10000,
			PermissionCacheTTL:  5 * time.Minute,
		},
	}
}

// Load reads and parses a YAML config file, starting from Default()
// and overlaying whatever the file specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
