package config

import (
	"time"

	"github.com/mohitkumar/engage/analytics"
)

type StorageType string

type LockType string

const STORAGE_TYPE_POSTGRES StorageType = "postgres"
const STORAGE_TYPE_SQLITE StorageType = "sqlite"

const LOCK_TYPE_REDIS LockType = "redis"
const LOCK_TYPE_MEMORY LockType = "memory"

type Config struct {
	StorageType     StorageType
	LockType        LockType
	DatabaseConfig  DatabaseConfig
	RedisConfig     RedisConfig
	DispatchConfig  DispatchConfig
	FlowConfig      FlowConfig
	AnalyticsConfig analytics.DataCollectorConfig
	TracingConfig   TracingConfig
	LogLevel        string
	Development     bool
	EventWorkers    int
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Addrs     []string
	Namespace string
	PoolSize  int
	Password  string
}

type DispatchConfig struct {
	TickInterval   time.Duration
	MinHumanDelay  time.Duration
	MaxHumanDelay  time.Duration
	SendTimeout    time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DailyCap       int
	CapLocation    *time.Location
	Retention      time.Duration
	PurgeInterval  time.Duration
	Lanes          int
}

type FlowConfig struct {
	MaxHops             int
	ResumeInterval      time.Duration
	ResumeRetryDelay    time.Duration
	AwaitInputTimeout   time.Duration
	StaleSweepInterval  time.Duration
	ContactLockTTL      time.Duration
	ContactLockWait     time.Duration
	GraphCacheTTL       time.Duration
	AssignmentCacheTTL  time.Duration
	MaxMessageScoreHits int
	EvalTimeout         time.Duration
}

type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OutputFile     string
}

func Default() Config {
	return Config{
		StorageType: STORAGE_TYPE_SQLITE,
		LockType:    LOCK_TYPE_MEMORY,
		DatabaseConfig: DatabaseConfig{
			DSN:          "file:engage.db?_busy_timeout=5000",
			MaxOpenConns: 16,
			AutoMigrate:  true,
		},
		RedisConfig: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "engage",
		},
		DispatchConfig: DefaultDispatchConfig(),
		FlowConfig:     DefaultFlowConfig(),
		TracingConfig: TracingConfig{
			ServiceName:    "engage",
			ServiceVersion: "dev",
		},
		LogLevel:     "info",
		EventWorkers: 8,
	}
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		TickInterval:   5 * time.Second,
		MinHumanDelay:  1500 * time.Millisecond,
		MaxHumanDelay:  4 * time.Second,
		SendTimeout:    15 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
		DailyCap:       1000,
		CapLocation:    time.UTC,
		Retention:      30 * 24 * time.Hour,
		PurgeInterval:  time.Hour,
		Lanes:          4,
	}
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		MaxHops:             50,
		ResumeInterval:      5 * time.Second,
		ResumeRetryDelay:    time.Minute,
		AwaitInputTimeout:   72 * time.Hour,
		StaleSweepInterval:  10 * time.Minute,
		ContactLockTTL:      30 * time.Second,
		ContactLockWait:     10 * time.Second,
		GraphCacheTTL:       10 * time.Minute,
		AssignmentCacheTTL:  time.Hour,
		MaxMessageScoreHits: 20,
		EvalTimeout:         2 * time.Second,
	}
}
