package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pborman/getopt/v2"
)

// Storage backends, see Config.Backend.
const (
	BackendDirectory = "directory"
	BackendKV        = "kv"
	BackendSqlite    = "sqlite"
	BackendTrillian  = "trillian"
	BackendEphemeral = "ephemeral"
)

type Config struct {
	Server    string `toml:"server"`
	Port      int    `toml:"port"`
	URLPrefix string `toml:"url-prefix"`
	NodeID    string `toml:"node-id"`

	CertDir            string `toml:"cert-dir"`
	TreeDir            string `toml:"tree-dir"`
	MetaDir            string `toml:"meta-dir"`
	CertStorageDepth   int    `toml:"cert-storage-depth"`
	TreeStorageDepth   int    `toml:"tree-storage-depth"`
	KVDb               string `toml:"kv-db"`
	SqliteDb           string `toml:"sqlite-db"`
	TrillianRpcServer  string `toml:"trillian-rpc-server"`
	TrillianTreeIDFile string `toml:"trillian-tree-id-file"`
	EphemeralBackend   bool   `toml:"ephemeral-test-backend"`

	TargetLogURI        string        `toml:"target-log-uri"`
	TargetPublicKey     string        `toml:"target-public-key"`
	TargetPollFrequency time.Duration `toml:"target-poll-frequency"`
	FetchBatchSize      int           `toml:"fetch-batch-size"`
	FetchWorkers        int           `toml:"fetch-workers"`
	UpstreamQPS         float64       `toml:"upstream-qps"`
	STHFile             string        `toml:"sth-file"`

	EtcdHost               string        `toml:"etcd-host"`
	EtcdPort               int           `toml:"etcd-port"`
	EtcdRoot               string        `toml:"etcd-root"`
	ElectionTTL            time.Duration `toml:"election-ttl"`
	AllowStandaloneRestart bool          `toml:"allow-standalone-restart"`
	// Installed by the master, if MinimumServingNodes > 0.
	MinimumServingNodes    int     `toml:"minimum-serving-nodes"`
	MinimumServingFraction float64 `toml:"minimum-serving-fraction"`

	NumHTTPServerThreads    int           `toml:"num-http-server-threads"`
	LogStatsFrequency       time.Duration `toml:"log-stats-frequency"`
	LocalSTHUpdateFrequency time.Duration `toml:"local-sth-update-frequency"`
	Timeout                 time.Duration `toml:"timeout"`
	LogFile                 string        `toml:"log-file"`
	LogLevel                string        `toml:"log-level"`
}

func NewConfig() *Config {
	// Initialize default configuration
	return &Config{
		Server:                  "localhost",
		Port:                    9999,
		TargetPollFrequency:     10 * time.Second,
		FetchBatchSize:          1000,
		FetchWorkers:            4,
		EtcdRoot:                "/root",
		ElectionTTL:             10 * time.Second,
		MinimumServingFraction:  1,
		NumHTTPServerThreads:    16,
		LogStatsFrequency:       time.Hour,
		LocalSTHUpdateFrequency: 30 * time.Second,
		Timeout:                 10 * time.Second,
		LogLevel:                "info",
	}
}

func LoadConfig(f io.Reader) (*Config, error) {
	conf := NewConfig()
	if _, err := toml.NewDecoder(f).Decode(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// OpenConfigFile opens the file named by $CT_MIRROR_CONFIG, or the
// default /etc/ct-mirror/config.toml.
func OpenConfigFile() (*os.File, error) {
	if conf, ok := os.LookupEnv("CT_MIRROR_CONFIG"); ok {
		return os.Open(conf)
	}
	return os.Open("/etc/ct-mirror/config.toml")
}

func (c *Config) ServerFlags(set *getopt.Set) {
	set.FlagLong(&c.Server, "server", 0, "own host name, as seen by other cluster nodes", "host")
	set.FlagLong(&c.Port, "port", 0, "port to serve clients on", "port")
	set.FlagLong(&c.URLPrefix, "url-prefix", 0, "a prefix that precedes /<endpoint>", "prefix")
	set.FlagLong(&c.NodeID, "node-id", 0, "identity of this node in the cluster (Default: random)", "id")

	set.FlagLong(&c.CertDir, "cert-dir", 0, "storage directory for entries", "dir")
	set.FlagLong(&c.TreeDir, "tree-dir", 0, "storage directory for leaf hashes", "dir")
	set.FlagLong(&c.MetaDir, "meta-dir", 0, "storage directory for meta info (Default: <tree-dir>/meta)", "dir")
	set.FlagLong(&c.CertStorageDepth, "cert-storage-depth", 0, "subdirectory depth for entries", "depth")
	set.FlagLong(&c.TreeStorageDepth, "tree-storage-depth", 0, "subdirectory depth for leaf hashes", "depth")
	set.FlagLong(&c.KVDb, "kv-db", 0, "embedded key/value database file", "file")
	set.FlagLong(&c.SqliteDb, "sqlite-db", 0, "SQLite database file", "file")
	set.FlagLong(&c.TrillianRpcServer, "trillian-rpc-server", 0, "host:port specification of where Trillian serves clients", "host:port")
	set.FlagLong(&c.TrillianTreeIDFile, "trillian-tree-id-file", 0, "file with the id of the Trillian tree", "file")
	set.FlagLong(&c.EphemeralBackend, "ephemeral-test-backend", 0, "if set, enables in-memory backend, with NO persistent storage")

	set.FlagLong(&c.TargetLogURI, "target-log-uri", 0, "URI of the log to mirror", "uri")
	set.FlagLong(&c.TargetPublicKey, "target-public-key", 0, "PEM file with the public key of the log to mirror", "file")
	set.FlagLong(&c.TargetPollFrequency, "target-poll-frequency", 0, "how often to poll the log for new tree heads", "duration")
	set.FlagLong(&c.FetchBatchSize, "fetch-batch-size", 0, "number of entries per get-entries request", "n")
	set.FlagLong(&c.FetchWorkers, "fetch-workers", 0, "maximum number of concurrent get-entries requests", "n")
	set.FlagLong(&c.UpstreamQPS, "upstream-qps", 0, "maximum rate of requests to the log, 0 for unlimited", "qps")
	set.FlagLong(&c.STHFile, "sth-file", 0, "file where the latest verified tree head is stored", "file")

	set.FlagLong(&c.EtcdHost, "etcd-host", 0, "host of the etcd server, empty for standalone mode", "host")
	set.FlagLong(&c.EtcdPort, "etcd-port", 0, "port of the etcd server", "port")
	set.FlagLong(&c.EtcdRoot, "etcd-root", 0, "root of cluster entries in etcd", "key")
	set.FlagLong(&c.ElectionTTL, "election-ttl", 0, "lifetime of the leader election lease", "duration")
	set.FlagLong(&c.AllowStandaloneRestart, "allow-standalone-restart", 0, "allow standalone mode to start with non-empty local storage")
	set.FlagLong(&c.MinimumServingNodes, "minimum-serving-nodes", 0, "if set, the master installs this cluster config", "n")
	set.FlagLong(&c.MinimumServingFraction, "minimum-serving-fraction", 0, "fraction of nodes that must serve a tree head", "fraction")

	set.FlagLong(&c.NumHTTPServerThreads, "num-http-server-threads", 0, "maximum number of concurrent http connections", "n")
	set.FlagLong(&c.LogStatsFrequency, "log-stats-frequency", 0, "interval between stats log messages", "duration")
	set.FlagLong(&c.LocalSTHUpdateFrequency, "local-sth-update-frequency", 0, "interval between checks of local storage for publishable tree heads", "duration")
	set.FlagLong(&c.Timeout, "timeout", 0, "timeout for backend requests", "duration")
	set.FlagLong(&c.LogFile, "log-file", 0, "file to write logs to (Default: stderr)", "file")
	set.FlagLong(&c.LogLevel, "log-level", 0, "log level (Available options: debug, info, warning, error. Default: info)", "level")
}

// Backend returns the configured storage backend, or an error unless
// exactly one is configured.
func (c *Config) Backend() (string, error) {
	var backends []string
	if c.CertDir != "" || c.TreeDir != "" {
		backends = append(backends, BackendDirectory)
	}
	if c.KVDb != "" {
		backends = append(backends, BackendKV)
	}
	if c.SqliteDb != "" {
		backends = append(backends, BackendSqlite)
	}
	if c.TrillianRpcServer != "" {
		backends = append(backends, BackendTrillian)
	}
	if c.EphemeralBackend {
		backends = append(backends, BackendEphemeral)
	}
	switch len(backends) {
	case 0:
		return "", fmt.Errorf("no storage backend configured")
	case 1:
		return backends[0], nil
	default:
		return "", fmt.Errorf("more than one storage backend configured: %v", backends)
	}
}

// Standalone reports whether no etcd server is configured, in which
// case the process runs as a cluster of one.
func (c *Config) Standalone() bool {
	return c.EtcdHost == ""
}

// Validate checks the configuration, without any network or storage
// access other than checking that the public key file is readable.
func (c *Config) Validate() error {
	backend, err := c.Backend()
	if err != nil {
		return err
	}
	switch backend {
	case BackendDirectory:
		if c.CertDir == "" || c.TreeDir == "" {
			return fmt.Errorf("both cert-dir and tree-dir must be set")
		}
		if c.CertDir == c.TreeDir {
			return fmt.Errorf("cert-dir and tree-dir must be different")
		}
	case BackendTrillian:
		if c.TrillianTreeIDFile == "" {
			return fmt.Errorf("trillian-tree-id-file must be set")
		}
	}
	if c.CertStorageDepth < 0 || c.TreeStorageDepth < 0 {
		return fmt.Errorf("storage depth must be non-negative")
	}
	if c.TargetLogURI == "" {
		return fmt.Errorf("target-log-uri must be set")
	}
	if c.TargetPublicKey == "" {
		return fmt.Errorf("target-public-key must be set")
	}
	f, err := os.Open(c.TargetPublicKey)
	if err != nil {
		return fmt.Errorf("target-public-key not readable: %w", err)
	}
	f.Close()

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"target-poll-frequency", c.TargetPollFrequency},
		{"log-stats-frequency", c.LogStatsFrequency},
		{"local-sth-update-frequency", c.LocalSTHUpdateFrequency},
		{"timeout", c.Timeout},
		{"election-ttl", c.ElectionTTL},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.value)
		}
	}
	for _, n := range []struct {
		name  string
		value int
	}{
		{"port", c.Port},
		{"num-http-server-threads", c.NumHTTPServerThreads},
		{"fetch-batch-size", c.FetchBatchSize},
		{"fetch-workers", c.FetchWorkers},
	} {
		if n.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", n.name, n.value)
		}
	}
	if c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.UpstreamQPS < 0 {
		return fmt.Errorf("upstream-qps must be non-negative, got %v", c.UpstreamQPS)
	}
	if c.MinimumServingNodes < 0 {
		return fmt.Errorf("minimum-serving-nodes must be non-negative, got %d", c.MinimumServingNodes)
	}
	if c.MinimumServingNodes > 0 && (c.MinimumServingFraction <= 0 || c.MinimumServingFraction > 1) {
		return fmt.Errorf("minimum-serving-fraction must be in (0, 1], got %v", c.MinimumServingFraction)
	}
	if c.EtcdRoot == "" {
		return fmt.Errorf("etcd-root must be set")
	}
	if !c.Standalone() {
		if c.Server == "" {
			return fmt.Errorf("server must be set in clustered mode")
		}
		if c.EtcdPort <= 0 || c.EtcdPort > 65535 {
			return fmt.Errorf("invalid etcd-port %d", c.EtcdPort)
		}
	}
	return nil
}
