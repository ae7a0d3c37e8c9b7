package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	S3            S3Config
	Chain         ChainConfig
	Provider      ProviderConfig
	Webhook       WebhookConfig
	Reviewer      ReviewerConfig
	Bucketing     BucketingConfig
	Hashing       HashingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers          []string
	DecisionsTopic   string
	SubmissionsTopic string
}

type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	ReviewIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// S3Config covers the document bucket for manually uploaded KYC documents.
type S3Config struct {
	Region       string
	Bucket       string
	KeyPrefix    string
	SignedURLTTL time.Duration
}

// ChainConfig points at the ledger node and the GSDT token contract.
type ChainConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKeyHex   string
	ChainID         int64
	ConfirmTimeout  time.Duration
}

// ProviderConfig holds credentials for the identity-verification provider API.
type ProviderConfig struct {
	BaseURL      string
	AppToken     string
	SecretKey    string
	LevelName    string
	TokenTTLSecs int
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type WebhookConfig struct {
	// Secret is the shared HMAC secret for provider callbacks. Empty means
	// verification is skipped (test mode only, never production).
	Secret          string
	SignatureHeader string
}

// ReviewerConfig authenticates admin review actions on the manual path.
type ReviewerConfig struct {
	APIKey string
}

type BucketingConfig struct {
	SubjectBuckets int
	EventBuckets   int
}

type HashingConfig struct {
	Pepper string
}

var (
	loaded *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment (an optional .env file
// is honored for local development).
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		loaded = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTOCERT", false),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/kyc-service/certs"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "127.0.0.1:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "gsdt_kyc"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Brokers:          splitList(getEnv("KAFKA_BROKERS", "127.0.0.1:9092")),
				DecisionsTopic:   getEnv("KAFKA_DECISIONS_TOPIC", "kyc.decisions"),
				SubmissionsTopic: getEnv("KAFKA_SUBMISSIONS_TOPIC", "kyc.submissions"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:         getEnv("ELASTICSEARCH_URL", "https://127.0.0.1:9200"),
				Username:    getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:    getEnv("ELASTICSEARCH_PASSWORD", ""),
				ReviewIndex: getEnv("ELASTICSEARCH_REVIEW_INDEX", "kyc-submissions"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://127.0.0.1:8123"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "gsdt_audit"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
			},
			S3: S3Config{
				Region:       getEnv("S3_REGION", "ap-south-1"),
				Bucket:       getEnv("S3_BUCKET", "gsdt-kyc-documents"),
				KeyPrefix:    getEnv("S3_KEY_PREFIX", "kyc"),
				SignedURLTTL: getEnvDuration("S3_SIGNED_URL_TTL", 168*time.Hour),
			},
			Chain: ChainConfig{
				RPCURL:          getEnv("CHAIN_RPC_URL", "http://127.0.0.1:8545"),
				ContractAddress: getEnv("CHAIN_CONTRACT_ADDRESS", ""),
				PrivateKeyHex:   getEnv("CHAIN_PRIVATE_KEY", ""),
				ChainID:         int64(getEnvInt("CHAIN_ID", 11155111)),
				ConfirmTimeout:  getEnvDuration("CHAIN_CONFIRM_TIMEOUT", 90*time.Second),
			},
			Provider: ProviderConfig{
				BaseURL:      getEnv("PROVIDER_BASE_URL", "https://api.sumsub.com"),
				AppToken:     getEnv("PROVIDER_APP_TOKEN", ""),
				SecretKey:    getEnv("PROVIDER_SECRET_KEY", ""),
				LevelName:    getEnv("PROVIDER_LEVEL_NAME", "basic-kyc-level"),
				TokenTTLSecs: getEnvInt("PROVIDER_TOKEN_TTL_SECS", 600),
				PollInterval: getEnvDuration("PROVIDER_POLL_INTERVAL", 3*time.Second),
				PollTimeout:  getEnvDuration("PROVIDER_POLL_TIMEOUT", 45*time.Second),
			},
			Webhook: WebhookConfig{
				Secret:          getEnv("WEBHOOK_SECRET", ""),
				SignatureHeader: getEnv("WEBHOOK_SIGNATURE_HEADER", "X-Payload-Digest"),
			},
			Reviewer: ReviewerConfig{
				APIKey: getEnv("REVIEWER_API_KEY", ""),
			},
			Bucketing: BucketingConfig{
				SubjectBuckets: getEnvInt("BUCKETING_SUBJECT_BUCKETS", 64),
				EventBuckets:   getEnvInt("BUCKETING_EVENT_BUCKETS", 16),
			},
			Hashing: HashingConfig{
				Pepper: getEnv("HASHING_PEPPER", ""),
			},
		}
	})

	return loaded
}

// Get returns the loaded config, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations that must not reach production. An empty
// webhook secret downgrades signature verification to test mode, which is
// acceptable only outside production.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET must be set in production")
	}
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("CHAIN_CONTRACT_ADDRESS must be set in production")
	}
	if c.Provider.AppToken == "" || c.Provider.SecretKey == "" {
		return fmt.Errorf("provider credentials must be set in production")
	}
	if c.Reviewer.APIKey == "" {
		return fmt.Errorf("REVIEWER_API_KEY must be set in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
