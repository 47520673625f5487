package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorageSimulated = "simulated"
	StorageS3        = "s3"

	LedgerSimulated = "simulated"
	LedgerEthereum  = "ethereum"

	StoreMemory = "memory"
	StoreMySQL  = "mysql"
)

// Config holds all configuration for the civic report service
type Config struct {
	// Server configuration
	Port               string
	CORSAllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string

	// Analyzer configuration
	GeminiAPIKey  string
	GeminiModel   string
	GeminiTimeout time.Duration

	// Pipeline configuration
	PipelineWorkers int

	// Content storage
	StorageBackend string
	StorageDelay   time.Duration
	S3             S3Config

	// Ledger
	LedgerBackend string
	LedgerDelay   time.Duration
	Ethereum      EthereumConfig

	// Report store
	StoreBackend string
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string

	// RabbitMQ publisher, disabled when Host is empty
	RabbitMQ RabbitMQConfig
}

// S3Config configures the S3 compatible content store.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Timeout         time.Duration
}

// EthereumConfig configures the ledger committer.
type EthereumConfig struct {
	NetworkURL     string
	PrivateKey     string
	AnchorAddress  string
	SendTimeout    time.Duration
	ReceiptTimeout time.Duration
}

// RabbitMQConfig holds the publisher connection settings.
type RabbitMQConfig struct {
	Host       string
	Port       string
	User       string
	Password   string
	Exchange   string
	RoutingKey string
}

// GetAMQPURL returns the AMQP connection URL
func (r RabbitMQConfig) GetAMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.Host, r.Port)
}

// Enabled reports whether a RabbitMQ host is configured.
func (r RabbitMQConfig) Enabled() bool {
	return r.Host != ""
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		// Server defaults
		Port:               getEnv("PORT", "8080"),
		CORSAllowedOrigins: getStringSliceEnv("CORS_ALLOWED_ORIGINS", "*"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// Analyzer defaults. API_KEY is the variable name the web client used.
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", getEnv("API_KEY", "")),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiTimeout: getDurationEnv("GEMINI_TIMEOUT", 30*time.Second),

		PipelineWorkers: getIntEnv("PIPELINE_WORKERS", 1),

		// Storage defaults
		StorageBackend: getEnv("STORAGE_BACKEND", StorageSimulated),
		StorageDelay:   getDurationEnv("STORAGE_DELAY", 1500*time.Millisecond),
		S3: S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "auto"),
			Bucket:          getEnv("S3_BUCKET", "civic-reports"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Timeout:         getDurationEnv("S3_TIMEOUT", 20*time.Second),
		},

		// Ledger defaults
		LedgerBackend: getEnv("LEDGER_BACKEND", LedgerSimulated),
		LedgerDelay:   getDurationEnv("LEDGER_DELAY", 2000*time.Millisecond),
		Ethereum: EthereumConfig{
			NetworkURL:     getEnv("ETH_NETWORK_URL", ""),
			PrivateKey:     getEnv("ETH_PRIVATE_KEY", ""),
			AnchorAddress:  getEnv("ETH_ANCHOR_ADDRESS", "0x0000000000000000000000000000000000000000"),
			SendTimeout:    getDurationEnv("ETH_SEND_TIMEOUT", 30*time.Second),
			ReceiptTimeout: getDurationEnv("ETH_RECEIPT_TIMEOUT", 2*time.Minute),
		},

		// Store defaults
		StoreBackend: getEnv("STORE_BACKEND", StoreMemory),
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnv("DB_PORT", "3306"),
		DBUser:       getEnv("DB_USER", "server"),
		DBPassword:   getEnv("DB_PASSWORD", "secret_app"),
		DBName:       getEnv("DB_NAME", "civicreport"),

		RabbitMQ: RabbitMQConfig{
			Host:       getEnv("RABBITMQ_HOST", ""),
			Port:       getEnv("RABBITMQ_PORT", "5672"),
			User:       getEnv("RABBITMQ_USER", "guest"),
			Password:   getEnv("RABBITMQ_PASSWORD", "guest"),
			Exchange:   getEnv("RABBITMQ_EXCHANGE", "civicreport"),
			RoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "report.completed"),
		},
	}

	return config
}

// Validate checks the combinations that cannot be fixed by defaults.
func (c *Config) Validate() error {
	if c.PipelineWorkers <= 0 {
		return fmt.Errorf("PIPELINE_WORKERS must be greater than 0, got %d", c.PipelineWorkers)
	}
	switch c.StorageBackend {
	case StorageSimulated:
	case StorageS3:
		if c.S3.Endpoint == "" || c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "" {
			return fmt.Errorf("STORAGE_BACKEND=s3 requires S3_ENDPOINT, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.LedgerBackend {
	case LedgerSimulated:
	case LedgerEthereum:
		if c.Ethereum.NetworkURL == "" || c.Ethereum.PrivateKey == "" {
			return fmt.Errorf("LEDGER_BACKEND=ethereum requires ETH_NETWORK_URL and ETH_PRIVATE_KEY")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	switch c.StoreBackend {
	case StoreMemory, StoreMySQL:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// DSN returns the MySQL data source name.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// getStringSliceEnv gets a comma-separated string environment variable and returns it as a string slice
func getStringSliceEnv(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	if value == "" {
		return []string{}
	}

	var values []string
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
