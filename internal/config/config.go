// Package config holds the prekeyd TOML configuration.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"code.kerpass.org/prekeys/internal/utils"
	"code.kerpass.org/prekeys/pkg/ratelimit"
)

const (
	defaultAddress           = "127.0.0.1:8080"
	defaultTraceIdHeader     = "X-Request-Id"
	defaultRequestTimeout    = 10 * time.Second
	defaultShutdownGrace     = 15 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultPGSchema          = "prekeys"
	defaultMongoDatabase     = "prekeys"
	defaultMaxRetries        = 10
	defaultPostCommitTimeout = 30 * time.Second
	defaultMetricsPath       = "/metrics"
	defaultMetricsAddress    = "127.0.0.1:9100"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendMongoDB  = "mongodb"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

var (
	defaultPreKeysPolicy = ratelimit.Policy{BucketSize: 100, PermitRegen: time.Second}
	defaultCountPolicy   = ratelimit.Policy{BucketSize: 10, PermitRegen: 6 * time.Second}
)

// Server is the HTTP server configuration.
type Server struct {
	// Address is the listening address.
	Address string

	// TraceIdHeader is the request header carrying the trace id of a request.
	TraceIdHeader string

	RequestTimeout time.Duration

	// ShutdownGrace bounds the wait for in flight requests on shutdown.
	ShutdownGrace time.Duration
}

func (self *Server) applyDefaults() {
	if "" == self.Address {
		self.Address = defaultAddress
	}
	if "" == self.TraceIdHeader {
		self.TraceIdHeader = defaultTraceIdHeader
	}
	if self.RequestTimeout <= 0 {
		self.RequestTimeout = defaultRequestTimeout
	}
	if self.ShutdownGrace <= 0 {
		self.ShutdownGrace = defaultShutdownGrace
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is json or console.
	Format string
}

func (self *Logging) validate() error {
	switch strings.ToLower(self.Level) {
	case "":
		self.Level = defaultLogLevel
	case "debug", "info", "warn", "error":
		self.Level = strings.ToLower(self.Level)
	default:
		return newError("Logging: Level %q is invalid", self.Level)
	}
	switch self.Format {
	case "":
		self.Format = defaultLogFormat
	case "json", "console":
	default:
		return newError("Logging: Format %q is invalid", self.Format)
	}
	return nil
}

// KeyStore selects the prekey storage.
type KeyStore struct {
	// Backend is one of memory, postgres, bolt.
	Backend string

	// DSN is the PostgreSQL connection string.
	DSN string

	// Schema is the PostgreSQL schema holding the prekey tables.
	Schema string

	// Path is the bbolt database file.
	Path string
}

func (self *KeyStore) validate() error {
	switch self.Backend {
	case "":
		self.Backend = BackendMemory
	case BackendMemory:
	case BackendPostgres:
		if "" == self.DSN {
			return newError("KeyStore: missing DSN")
		}
		if "" == self.Schema {
			self.Schema = defaultPGSchema
		}
	case BackendBolt:
		if "" == self.Path {
			return newError("KeyStore: missing Path")
		}
	default:
		return newError("KeyStore: Backend %q is invalid", self.Backend)
	}
	return nil
}

// Directory selects the account storage.
type Directory struct {
	// Backend is one of memory, mongodb.
	Backend string

	URI      string
	Database string
}

func (self *Directory) validate() error {
	switch self.Backend {
	case "":
		self.Backend = BackendMemory
	case BackendMemory:
	case BackendMongoDB:
		if "" == self.URI {
			return newError("Directory: missing URI")
		}
		if "" == self.Database {
			self.Database = defaultMongoDatabase
		}
	default:
		return newError("Directory: Backend %q is invalid", self.Backend)
	}
	return nil
}

// RateLimit configures the request limiters.
type RateLimit struct {
	// Backend is one of memory, redis, none.
	Backend string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	PreKeys *ratelimit.Policy
	Count   *ratelimit.Policy
}

func (self *RateLimit) validate() error {
	switch self.Backend {
	case "":
		self.Backend = BackendMemory
	case BackendMemory, BackendNone:
	case BackendRedis:
		if "" == self.RedisAddress {
			return newError("RateLimit: missing RedisAddress")
		}
	default:
		return newError("RateLimit: Backend %q is invalid", self.Backend)
	}
	if nil == self.PreKeys {
		p := defaultPreKeysPolicy
		self.PreKeys = &p
	}
	if nil == self.Count {
		p := defaultCountPolicy
		self.Count = &p
	}
	if err := self.PreKeys.Check(); nil != err {
		return wrapError(err, "RateLimit: invalid PreKeys policy")
	}
	if err := self.Count.Check(); nil != err {
		return wrapError(err, "RateLimit: invalid Count policy")
	}
	return nil
}

// Updater configures account device updates.
type Updater struct {
	MaxRetries        int
	PostCommitTimeout time.Duration
}

func (self *Updater) applyDefaults() {
	if self.MaxRetries <= 0 {
		self.MaxRetries = defaultMaxRetries
	}
	if self.PostCommitTimeout <= 0 {
		self.PostCommitTimeout = defaultPostCommitTimeout
	}
}

// Auth configures device authentication.
type Auth struct {
	// HashingSeed is the base64 root secret of device token hashes.
	// Changing it invalidates every device credential.
	HashingSeed utils.B64Binary
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool

	// Address is the listening address of the metrics server.
	// It must differ from Server.Address, metrics are not exposed on the key API.
	Address string
	Path    string
}

func (self *Metrics) applyDefaults() {
	if "" == self.Path {
		self.Path = defaultMetricsPath
	}
	if "" == self.Address {
		self.Address = defaultMetricsAddress
	}
}

// Config is the prekeyd configuration.
type Config struct {
	Server    *Server
	Logging   *Logging
	KeyStore  *KeyStore
	Directory *Directory
	RateLimit *RateLimit
	Updater   *Updater
	Auth      *Auth
	Metrics   *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (self *Config) FixupAndValidate() error {
	if nil == self.Server {
		self.Server = &Server{}
	}
	if nil == self.Logging {
		self.Logging = &Logging{}
	}
	if nil == self.KeyStore {
		self.KeyStore = &KeyStore{}
	}
	if nil == self.Directory {
		self.Directory = &Directory{}
	}
	if nil == self.RateLimit {
		self.RateLimit = &RateLimit{}
	}
	if nil == self.Updater {
		self.Updater = &Updater{}
	}
	if nil == self.Auth {
		self.Auth = &Auth{}
	}
	if nil == self.Metrics {
		self.Metrics = &Metrics{}
	}

	self.Server.applyDefaults()
	self.Updater.applyDefaults()
	self.Metrics.applyDefaults()
	if err := self.Logging.validate(); nil != err {
		return err
	}
	if err := self.KeyStore.validate(); nil != err {
		return err
	}
	if err := self.Directory.validate(); nil != err {
		return err
	}
	if err := self.RateLimit.validate(); nil != err {
		return err
	}
	if self.Metrics.Enabled && self.Metrics.Address == self.Server.Address {
		return newError("Metrics: Address must differ from Server Address")
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if nil != err {
		return nil, wrapError(err, "failed decoding config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, newError("unknown config keys %v", undecoded)
	}
	if err = cfg.FixupAndValidate(); nil != err {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if nil != err {
		return nil, wrapError(err, "failed reading config file %s", f)
	}
	return Load(b)
}
