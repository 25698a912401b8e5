package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/ehr/portal/internal/platform/hipaa"
)

const (
	LedgerMemory   = "memory"
	LedgerLevelDB  = "leveldb"
	LedgerFabric   = "fabric"
	LedgerPostgres = "postgres"

	BlobMemory = "memory"
	BlobIPFS   = "ipfs"

	EventsNone  = "none"
	EventsMQTT  = "mqtt"
	EventsRedis = "redis"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	LedgerBackend string `mapstructure:"LEDGER_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	LevelDBPath   string `mapstructure:"LEVELDB_PATH"`

	FabricPeerEndpoint string `mapstructure:"FABRIC_PEER_ENDPOINT"`
	FabricGatewayPeer  string `mapstructure:"FABRIC_GATEWAY_PEER"`
	FabricMSPID        string `mapstructure:"FABRIC_MSP_ID"`
	FabricCertPath     string `mapstructure:"FABRIC_CERT_PATH"`
	FabricKeyPath      string `mapstructure:"FABRIC_KEY_PATH"`
	FabricTLSCertPath  string `mapstructure:"FABRIC_TLS_CERT_PATH"`
	FabricChannel      string `mapstructure:"FABRIC_CHANNEL"`
	FabricChaincode    string `mapstructure:"FABRIC_CHAINCODE"`

	BlobBackend string        `mapstructure:"BLOB_BACKEND"`
	IPFSAPIURL  string        `mapstructure:"IPFS_API_URL"`
	IPFSTimeout time.Duration `mapstructure:"IPFS_TIMEOUT"`

	EventsBackend   string `mapstructure:"EVENTS_BACKEND"`
	MQTTBroker      string `mapstructure:"MQTT_BROKER"`
	MQTTClientID    string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername    string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword    string `mapstructure:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `mapstructure:"MQTT_TOPIC_PREFIX"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisStream     string `mapstructure:"REDIS_STREAM"`

	DoctorDirectoryAdmin  string `mapstructure:"DOCTOR_DIRECTORY_ADMIN"`
	PatientDirectoryAdmin string `mapstructure:"PATIENT_DIRECTORY_ADMIN"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	PHIEncryptionKey string        `mapstructure:"PHI_ENCRYPTION_KEY"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV",
	"LEDGER_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "LEVELDB_PATH",
	"FABRIC_PEER_ENDPOINT", "FABRIC_GATEWAY_PEER", "FABRIC_MSP_ID", "FABRIC_CERT_PATH",
	"FABRIC_KEY_PATH", "FABRIC_TLS_CERT_PATH", "FABRIC_CHANNEL", "FABRIC_CHAINCODE",
	"BLOB_BACKEND", "IPFS_API_URL", "IPFS_TIMEOUT",
	"EVENTS_BACKEND", "MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD",
	"MQTT_TOPIC_PREFIX", "REDIS_URL", "REDIS_STREAM",
	"DOCTOR_DIRECTORY_ADMIN", "PATIENT_DIRECTORY_ADMIN",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"PHI_ENCRYPTION_KEY", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LEDGER_BACKEND", LedgerMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LEVELDB_PATH", "data/ledger")
	v.SetDefault("FABRIC_CHANNEL", "mychannel")
	v.SetDefault("FABRIC_CHAINCODE", "ehr")
	v.SetDefault("BLOB_BACKEND", BlobMemory)
	v.SetDefault("IPFS_TIMEOUT", "30s")
	v.SetDefault("EVENTS_BACKEND", EventsNone)
	v.SetDefault("MQTT_CLIENT_ID", "ehr-portal")
	v.SetDefault("MQTT_TOPIC_PREFIX", "ehr")
	v.SetDefault("REDIS_STREAM", "ehr:events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "15s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.LedgerBackend = strings.ToLower(cfg.LedgerBackend)
	cfg.BlobBackend = strings.ToLower(cfg.BlobBackend)
	cfg.EventsBackend = strings.ToLower(cfg.EventsBackend)

	if cfg.IsDev() {
		log.Warn().Msg("running in DEVELOPMENT mode: the X-Account-Ref header is trusted when no bearer token is sent; do not expose this server")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasJWTKey reports whether bearer tokens can be verified.
func (c *Config) HasJWTKey() bool {
	return c.AuthSigningKey != "" || c.AuthJWKSURL != ""
}

// Validate rejects inconsistent backend combinations and, outside
// development, missing authentication or encryption settings.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case LedgerMemory:
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_BACKEND=memory is not durable and is refused in production")
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_BACKEND is %q", LedgerPostgres)
		}
	case LedgerLevelDB:
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required when LEDGER_BACKEND is %q", LedgerLevelDB)
		}
	case LedgerFabric:
		required := map[string]string{
			"FABRIC_PEER_ENDPOINT": c.FabricPeerEndpoint,
			"FABRIC_MSP_ID":        c.FabricMSPID,
			"FABRIC_CERT_PATH":     c.FabricCertPath,
			"FABRIC_KEY_PATH":      c.FabricKeyPath,
			"FABRIC_TLS_CERT_PATH": c.FabricTLSCertPath,
			"FABRIC_CHANNEL":       c.FabricChannel,
			"FABRIC_CHAINCODE":     c.FabricChaincode,
		}
		for _, k := range envKeys {
			if v, ok := required[k]; ok && v == "" {
				return fmt.Errorf("%s is required when LEDGER_BACKEND is %q", k, LedgerFabric)
			}
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be one of memory, leveldb, fabric, postgres, got %q", c.LedgerBackend)
	}

	switch c.BlobBackend {
	case BlobMemory:
	case BlobIPFS:
		if c.IPFSAPIURL == "" {
			return fmt.Errorf("IPFS_API_URL is required when BLOB_BACKEND is %q", BlobIPFS)
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be memory or ipfs, got %q", c.BlobBackend)
	}

	switch c.EventsBackend {
	case EventsNone, "":
	case EventsMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required when EVENTS_BACKEND is %q", EventsMQTT)
		}
	case EventsRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENTS_BACKEND is %q", EventsRedis)
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be none, mqtt or redis, got %q", c.EventsBackend)
	}

	if !c.IsDev() && !c.HasJWTKey() {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q; refusing to start without authentication", c.Env)
	}

	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		if _, err := hipaa.ParseKey(c.PHIEncryptionKey); err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY: %w", err)
		}
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	return nil
}
