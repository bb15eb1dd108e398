package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Events   EventsConfig
	NewRelic NewRelicConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port int
	Mode string // debug, release, test
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig holds token, API key and refresh-rotation settings
type AuthConfig struct {
	JWTSecret            string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	RefreshAttemptLimit  int
	RefreshAttemptWindow time.Duration
	ReuseDetectionWindow time.Duration
	APIKeySalt           string
	APIKeyCacheTTL       time.Duration
}

// EventsConfig holds the Azure Service Bus configuration for security events
type EventsConfig struct {
	ConnectionString string
	QueueName        string
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	// Set defaults for configuration
	setDefaults()

	// Use config file from the flag if provided
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common directories with name "config"
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/modelgate")
		viper.SetConfigName("config")
	}

	// Set environment variable prefix for config overrides
	viper.SetEnvPrefix("MODELGATE")

	// Enable automatic environment variable binding
	// For example, MODELGATE_SERVER_PORT will override server.port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, using defaults and environment variables
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			// Config file was found but another error occurred
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8092)
	viper.SetDefault("server.mode", "debug")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "modelgate")
	viper.SetDefault("database.password", "modelgate")
	viper.SetDefault("database.dbname", "modelgate_db")
	viper.SetDefault("database.sslmode", "disable")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Auth defaults - no default JWT secret or key salt for security
	viper.SetDefault("auth.accesstokenttl", "1h")
	viper.SetDefault("auth.refreshtokenttl", "720h") // 30 days
	viper.SetDefault("auth.refreshattemptlimit", 5)
	viper.SetDefault("auth.refreshattemptwindow", "60s")
	viper.SetDefault("auth.reusedetectionwindow", "60s")
	viper.SetDefault("auth.apikeycachettl", "5m")

	// Events defaults - no default connection string for security
	viper.SetDefault("events.queuename", "security-events")

	// New Relic defaults
	viper.SetDefault("newrelic.appname", "Modelgate Local")
	viper.SetDefault("newrelic.enabled", false)
}

// Load loads the configuration
func Load() (*Config, error) {
	// Server
	serverConfig := ServerConfig{
		Port: viper.GetInt("server.port"),
		Mode: viper.GetString("server.mode"),
	}

	// Database
	dbConfig := DatabaseConfig{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	}

	// Redis
	redisConfig := RedisConfig{
		Host:     viper.GetString("redis.host"),
		Port:     viper.GetInt("redis.port"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	}

	// Auth
	authConfig := AuthConfig{
		JWTSecret:            viper.GetString("auth.jwtsecret"),
		AccessTokenTTL:       viper.GetDuration("auth.accesstokenttl"),
		RefreshTokenTTL:      viper.GetDuration("auth.refreshtokenttl"),
		RefreshAttemptLimit:  viper.GetInt("auth.refreshattemptlimit"),
		RefreshAttemptWindow: viper.GetDuration("auth.refreshattemptwindow"),
		ReuseDetectionWindow: viper.GetDuration("auth.reusedetectionwindow"),
		APIKeySalt:           viper.GetString("auth.apikeysalt"),
		APIKeyCacheTTL:       viper.GetDuration("auth.apikeycachettl"),
	}

	// Events
	eventsConfig := EventsConfig{
		ConnectionString: viper.GetString("events.connectionstring"),
		QueueName:        viper.GetString("events.queuename"),
	}

	// New Relic
	newRelicConfig := NewRelicConfig{
		AppName:    viper.GetString("newrelic.appname"),
		LicenseKey: viper.GetString("newrelic.licensekey"),
		Enabled:    viper.GetBool("newrelic.enabled"),
	}

	return &Config{
		Server:   serverConfig,
		Database: dbConfig,
		Redis:    redisConfig,
		Auth:     authConfig,
		Events:   eventsConfig,
		NewRelic: newRelicConfig,
	}, nil
}
