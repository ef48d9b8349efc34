package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StoreMode selects the record store backend
type StoreMode string

const (
	StoreModeLocal  StoreMode = "local"  // DynamoDB Local
	StoreModeAWS    StoreMode = "aws"    // real DynamoDB
	StoreModeMemory StoreMode = "memory" // in-process, for dev and tests
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// WebSocket tuning
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Record store
	StoreMode     StoreMode
	StoreEndpoint string // for local mode
	StoreRegion   string
	AgentsTable   string
	ContactsTable string
	ClientsTable  string
	MetricsTable  string

	// Case-management / telephony REST API
	APIBaseURL string
	APIToken   string

	// Push callback endpoint advertised in outbound frames
	WSCallbackURL string

	// ANI the telephony platform dials for transfer verification
	VerifyANI string

	// Domain timing
	ContactTTL        time.Duration // contact records expire this long after last write
	ClientTTL         time.Duration // heartbeat lease for UI sessions
	AgentStateExpiry  time.Duration // look-ahead expiry on in-route agent states
	TriggerPromptStep int           // FIND_AGENT re-poll counter increment
	TriggerPromptMax  int           // counter wraps to 0 at this bound
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		StoreMode:     StoreMode(getEnv("STORE_MODE", "memory")),
		StoreEndpoint: getEnv("STORE_ENDPOINT", "http://localhost:8000"),
		StoreRegion:   getEnv("STORE_REGION", "us-east-1"),
		AgentsTable:   getEnv("AGENTS_TABLE", "acd-agents"),
		ContactsTable: getEnv("CONTACTS_TABLE", "acd-contacts"),
		ClientsTable:  getEnv("CLIENTS_TABLE", "acd-clients"),
		MetricsTable:  getEnv("METRICS_TABLE", "acd-metrics"),

		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:8000/api"),
		APIToken:   getEnv("API_TOKEN", ""),

		WSCallbackURL: getEnv("WS_CALLBACK_URL", ""),
		VerifyANI:     getEnv("VERIFY_ANI", ""),
	}

	if config.StoreMode != StoreModeLocal && config.StoreMode != StoreModeAWS {
		config.StoreMode = StoreModeMemory
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	contactTTL, err := strconv.Atoi(getEnv("CONTACT_TTL_SECONDS", "180"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONTACT_TTL_SECONDS: %w", err)
	}
	config.ContactTTL = time.Duration(contactTTL) * time.Second

	clientTTL, err := strconv.Atoi(getEnv("CLIENT_TTL_SECONDS", "180"))
	if err != nil {
		return nil, fmt.Errorf("invalid CLIENT_TTL_SECONDS: %w", err)
	}
	config.ClientTTL = time.Duration(clientTTL) * time.Second

	stateExpiry, err := strconv.Atoi(getEnv("AGENT_STATE_EXPIRY_SECONDS", "210"))
	if err != nil {
		return nil, fmt.Errorf("invalid AGENT_STATE_EXPIRY_SECONDS: %w", err)
	}
	config.AgentStateExpiry = time.Duration(stateExpiry) * time.Second

	config.TriggerPromptStep, err = strconv.Atoi(getEnv("TRIGGER_PROMPT_STEP", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRIGGER_PROMPT_STEP: %w", err)
	}

	config.TriggerPromptMax, err = strconv.Atoi(getEnv("TRIGGER_PROMPT_MAX", "130"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRIGGER_PROMPT_MAX: %w", err)
	}

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
