// Package config loads the process's runtime configuration from a .env file
// (if present) and environment variables, the way the teacher's own
// services boot.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the top-level process configuration.
type Config struct {
	Server       ServerConfig
	Gateway      GatewayConfig
	Orchestrator OrchestratorConfig
	Monitoring   MonitoringConfig
}

// ServerConfig configures the HTTP/WebSocket session-level skin.
type ServerConfig struct {
	Host           string
	Port           string
	Mode           string // gin.DebugMode or gin.ReleaseMode
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestLogging bool
	CORSOrigins    []string
}

// GatewayConfig configures the outbound LLM gateway client.
type GatewayConfig struct {
	BaseURL      string
	APIKey       string
	Referrer     string
	AppName      string
	Timeout      time.Duration
	MaxRetries   uint64
	ModelAliases map[string]string
	RateLimitRPS int
}

// OrchestratorConfig configures discussion-engine tunables (spec §6).
type OrchestratorConfig struct {
	MaxTurns                 int
	ConsensusThreshold       float64
	PerCallTimeout           time.Duration
	MetaModelID              string
	DefaultPanelModelIDs     []string
	SubscriberQueueBound     int
	MaxConcurrentDiscussions int
}

// MonitoringConfig configures logging and metrics exposition.
type MonitoringConfig struct {
	LogLevel    string
	MetricsPath string
}

// Load reads .env (if present, silently ignored otherwise) and builds a
// Config from environment variables, applying the same defaults a fresh
// checkout would run with.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("no .env file found, using process environment only")
	}

	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("PORT", "8088"),
			Mode:           getEnv("GIN_MODE", "release"),
			ReadTimeout:    getDurationEnv("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 30*time.Second),
			RequestLogging: getBoolEnv("REQUEST_LOGGING", true),
			CORSOrigins:    getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},
		Gateway: GatewayConfig{
			BaseURL:      getEnv("GATEWAY_BASE_URL", "https://gateway.local/v1/chat/completions"),
			APIKey:       getEnv("GATEWAY_API_KEY", ""),
			Referrer:     getEnv("GATEWAY_REFERRER", ""),
			AppName:      getEnv("GATEWAY_APP_NAME", "discussiond"),
			Timeout:      getDurationEnv("GATEWAY_TIMEOUT", 60*time.Second),
			MaxRetries:   uint64(getIntEnv("GATEWAY_MAX_RETRIES", 3)),
			ModelAliases: getEnvAliasMap("GATEWAY_MODEL_ALIASES"),
			RateLimitRPS: getIntEnv("GATEWAY_RATE_LIMIT_RPS", 0),
		},
		Orchestrator: OrchestratorConfig{
			MaxTurns:                 getIntEnv("MAX_TURNS", 20),
			ConsensusThreshold:       getFloatEnv("CONSENSUS_THRESHOLD", 0.85),
			PerCallTimeout:           getDurationEnv("PER_CALL_TIMEOUT", 60*time.Second),
			MetaModelID:              getEnv("META_MODEL_ID", "meta/general-a"),
			DefaultPanelModelIDs:     getEnvSlice("DEFAULT_PANEL_MODEL_IDS", []string{"meta/general-a", "meta/general-b", "meta/general-c"}),
			SubscriberQueueBound:     getIntEnv("SUBSCRIBER_QUEUE_BOUND", 64),
			MaxConcurrentDiscussions: getIntEnv("MAX_CONCURRENT_DISCUSSIONS", 32),
		},
		Monitoring: MonitoringConfig{
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// getEnvAliasMap parses "friendly=canonical,friendly2=canonical2" pairs into
// a lookup map for llmgateway.Client.Normalize.
func getEnvAliasMap(key string) map[string]string {
	aliases := make(map[string]string)
	value := os.Getenv(key)
	if value == "" {
		return aliases
	}
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		aliases[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return aliases
}
