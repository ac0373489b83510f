package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendEtcd   = "etcd"
	BackendConsul = "consul"
)

type Config struct {
	Cluster  string `toml:"cluster"`
	Identity string `toml:"identity"`
	Address  string `toml:"address"`
	APIPort  int    `toml:"api_port"`
	AppPort  int    `toml:"app_port"`

	Loop     LoopConfig     `toml:"loop"`
	Backend  BackendConfig  `toml:"backend"`
	Log      LogConfig      `toml:"log"`
	Tracing  TracingConfig  `toml:"tracing"`
	MySQL    MySQLConfig    `toml:"mysql"`
	Redis    RedisConfig    `toml:"redis"`
	Script   ScriptConfig   `toml:"script"`
	FlagFile FlagFileConfig `toml:"flagfile"`
}

type LoopConfig struct {
	Interval        time.Duration `toml:"interval"`
	OpTimeout       time.Duration `toml:"op_timeout"`
	ReleaseTimeout  time.Duration `toml:"release_timeout"`
	DisableFlagFile string        `toml:"disable_flag_file"`
}

type BackendConfig struct {
	Kind          string        `toml:"kind"`
	LockTTL       time.Duration `toml:"lock_ttl"`
	EtcdEndpoints []string      `toml:"etcd_endpoints"`
	ConsulAddress string        `toml:"consul_address"`
	CheckInterval time.Duration `toml:"check_interval"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	Encoding string `toml:"encoding"`
	Output   string `toml:"output"`
}

type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate"`
}

type MySQLConfig struct {
	DSN                 string   `toml:"dsn"`
	Port                int      `toml:"port"`
	RequireDatabases    []string `toml:"require_databases"`
	ReplicationUser     string   `toml:"replication_user"`
	ReplicationPassword string   `toml:"replication_password"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	Port     int    `toml:"port"`
}

type ScriptConfig struct {
	Shell   string `toml:"shell"`
	Health  string `toml:"health"`
	Promote string `toml:"promote"`
	Demote  string `toml:"demote"`
}

type FlagFileConfig struct {
	ServiceFlag string `toml:"service_flag"`
}

// Default returns the configuration used when nothing else is given. The
// cluster is named after the host with its trailing digits removed, so
// db1 and db2 form cluster "db".
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Cluster:  strings.TrimRight(host, "0123456789"),
		Identity: host,
		Address:  host,
		APIPort:  8000,
		Loop: LoopConfig{
			Interval:        2 * time.Second,
			OpTimeout:       2 * time.Second,
			ReleaseTimeout:  time.Second,
			DisableFlagFile: "/var/tmp/consul_failover_disable",
		},
		Backend: BackendConfig{
			Kind:          BackendEtcd,
			LockTTL:       10 * time.Second,
			EtcdEndpoints: []string{"localhost:2379"},
			ConsulAddress: "127.0.0.1:8500",
			CheckInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
			Output:   "stderr",
		},
		Tracing: TracingConfig{
			Endpoint:     "localhost:4318",
			SamplingRate: 1.0,
		},
		MySQL: MySQLConfig{
			DSN:              "root@tcp(127.0.0.1:3306)/",
			Port:             3306,
			RequireDatabases: []string{"mysql"},
			ReplicationUser:  "replication",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			Port: 6379,
		},
		Script: ScriptConfig{
			Shell: "/bin/sh",
		},
		FlagFile: FlagFileConfig{
			ServiceFlag: "/var/tmp/in_service",
		},
	}
}

// LoadConfig layers the optional TOML file at path and the environment over
// the defaults. Command line flags are applied by the caller afterwards.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Cluster = getEnv("FAILOVER_CLUSTER", c.Cluster)
	c.Identity = getEnv("FAILOVER_IDENTITY", c.Identity)
	c.Address = getEnv("FAILOVER_ADDRESS", c.Address)
	c.APIPort = getEnvAsInt("FAILOVER_API_PORT", c.APIPort)
	c.AppPort = getEnvAsInt("FAILOVER_APP_PORT", c.AppPort)

	c.Loop.Interval = getEnvAsDuration("FAILOVER_INTERVAL", c.Loop.Interval)
	c.Loop.OpTimeout = getEnvAsDuration("FAILOVER_OP_TIMEOUT", c.Loop.OpTimeout)
	c.Loop.ReleaseTimeout = getEnvAsDuration("FAILOVER_RELEASE_TIMEOUT", c.Loop.ReleaseTimeout)
	c.Loop.DisableFlagFile = getEnv("FAILOVER_DISABLE_FLAG_FILE", c.Loop.DisableFlagFile)

	c.Backend.Kind = getEnv("FAILOVER_BACKEND", c.Backend.Kind)
	c.Backend.LockTTL = getEnvAsDuration("FAILOVER_LOCK_TTL", c.Backend.LockTTL)
	if v := getEnv("ETCD_ENDPOINTS", ""); v != "" {
		c.Backend.EtcdEndpoints = splitList(v)
	}
	c.Backend.ConsulAddress = getEnv("CONSUL_HTTP_ADDR", c.Backend.ConsulAddress)
	c.Backend.CheckInterval = getEnvAsDuration("FAILOVER_CHECK_INTERVAL", c.Backend.CheckInterval)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnv("LOG_ENCODING", c.Log.Encoding)

	c.Tracing.Enabled = getEnvAsBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)

	c.MySQL.DSN = getEnv("MYSQL_DSN", c.MySQL.DSN)
	c.MySQL.ReplicationPassword = getEnv("MYSQL_REPLICATION_PASSWORD", c.MySQL.ReplicationPassword)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Cluster == "" {
		errs = append(errs, errors.New("cluster name is empty"))
	}
	if c.Identity == "" {
		errs = append(errs, errors.New("identity is empty"))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("api port %d out of range", c.APIPort))
	}
	if c.AppPort < 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("application port %d out of range", c.AppPort))
	}
	if c.Loop.Interval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.Loop.OpTimeout <= 0 {
		errs = append(errs, errors.New("operation timeout must be positive"))
	}
	// a held lock must survive at least one missed renewal
	if c.Backend.LockTTL < 2*c.Loop.Interval {
		errs = append(errs, fmt.Errorf("lock ttl %s must be at least twice the tick interval %s", c.Backend.LockTTL, c.Loop.Interval))
	}
	switch c.Backend.Kind {
	case BackendEtcd:
		if len(c.Backend.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("no etcd endpoints configured"))
		}
	case BackendConsul:
		if c.Backend.ConsulAddress == "" {
			errs = append(errs, errors.New("consul address is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend.Kind))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling rate %v not in [0,1]", c.Tracing.SamplingRate))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
