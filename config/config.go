// Package config provides centralized configuration management for Kiro Gateway.
// Settings are loaded once at startup from the environment (plus an optional
// .env file) and are not mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"kiro-gateway/utils"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Application metadata
const (
	AppVersion     = "2.0.0"
	AppTitle       = "Kiro API Gateway"
	AppDescription = "OpenAI-compatible interface for Kiro API (AWS CodeWhisperer)."
)

// URL templates
const (
	KiroRefreshURLTemplate = "https://prod.{region}.auth.desktop.kiro.dev/refreshToken"
	AWSSSOOIDCURLTemplate  = "https://oidc.{region}.amazonaws.com/token"
	KiroAPIHostTemplate    = "https://codewhisperer.{region}.amazonaws.com"
	KiroQHostTemplate      = "https://q.{region}.amazonaws.com"
)

// Config holds all gateway settings.
type Config struct {
	// Server settings
	ServerHost string
	ServerPort int

	// Proxy settings
	ProxyAPIKey string

	// Kiro credentials
	RefreshToken  string
	ProfileArn    string
	Region        string
	KiroCredsFile string
	KiroCLIDBFile string

	// Endpoint overrides, mainly for self-hosted or test environments.
	RefreshURLOverride string
	OIDCURLOverride    string

	// Token settings
	TokenRefreshThreshold int

	// Retry configuration
	MaxRetries     int
	BaseRetryDelay float64

	// Model settings
	ModelMapping    map[string]string
	AvailableModels []string
	ModelCacheTTL   int
	MaxInputTokens  int

	// Tool settings
	ToolDescriptionMaxLength int

	// Logging
	LogLevel string

	// Timeout settings
	FirstTokenTimeout    float64
	StreamingReadTimeout float64
	FirstTokenMaxRetries int

	// Fake reasoning settings
	FakeReasoningEnabled    bool
	FakeReasoningMaxTokens  int
	FakeReasoningHandling   string
	FakeReasoningOpenTags   []string
	FakeReasoningBufferSize int
}

// modelMapping maps external OpenAI-style model names to internal Kiro IDs.
// Unknown names pass through unchanged.
var modelMapping = map[string]string{
	"claude-opus-4-5":          "claude-opus-4.5",
	"claude-opus-4-5-20251101": "claude-opus-4.5",

	"claude-haiku-4-5": "claude-haiku-4.5",
	"claude-haiku-4.5": "claude-haiku-4.5",

	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",

	"claude-sonnet-4":          "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-20250514": "CLAUDE_SONNET_4_20250514_V1_0",

	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",

	"auto": "claude-sonnet-4.5",
}

// availableModels is the id set exposed by /v1/models.
var availableModels = []string{
	"claude-opus-4-5",
	"claude-opus-4-5-20251101",
	"claude-haiku-4-5",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
}

var defaultOpenTags = []string{"<thinking>", "<think>", "<reasoning>", "<thought>"}

// Load loads configuration from the environment and an optional .env file.
// The second return value reports whether a .env file was found.
func Load() (*Config, bool) {
	envErr := godotenv.Load()

	cfg := &Config{
		ServerHost:               getEnvString("SERVER_HOST", "0.0.0.0"),
		ServerPort:               getEnvInt("SERVER_PORT", 8000),
		ProxyAPIKey:              getEnvString("PROXY_API_KEY", ""),
		RefreshToken:             getEnvString("REFRESH_TOKEN", ""),
		ProfileArn:               getEnvString("PROFILE_ARN", ""),
		Region:                   getEnvString("KIRO_REGION", "us-east-1"),
		KiroCredsFile:            getEnvString("KIRO_CREDS_FILE", ""),
		KiroCLIDBFile:            getEnvString("KIRO_CLI_DB_FILE", ""),
		RefreshURLOverride:       getEnvString("KIRO_REFRESH_URL", ""),
		OIDCURLOverride:          getEnvString("KIRO_OIDC_URL", ""),
		TokenRefreshThreshold:    getEnvInt("TOKEN_REFRESH_THRESHOLD", 600),
		MaxRetries:               getEnvInt("MAX_RETRIES", 3),
		BaseRetryDelay:           getEnvFloat("BASE_RETRY_DELAY", 1.0),
		ModelCacheTTL:            getEnvInt("MODEL_CACHE_TTL", 3600),
		MaxInputTokens:           getEnvInt("DEFAULT_MAX_INPUT_TOKENS", 200000),
		ToolDescriptionMaxLength: getEnvInt("TOOL_DESCRIPTION_MAX_LENGTH", 10000),
		LogLevel:                 getEnvString("LOG_LEVEL", "INFO"),
		FirstTokenTimeout:        getEnvFloat("FIRST_TOKEN_TIMEOUT", 15),
		StreamingReadTimeout:     getEnvFloat("STREAMING_READ_TIMEOUT", 300),
		FirstTokenMaxRetries:     getEnvInt("FIRST_TOKEN_MAX_RETRIES", 3),
		FakeReasoningEnabled:     getEnvBool("FAKE_REASONING_ENABLED", false),
		FakeReasoningMaxTokens:   getEnvInt("FAKE_REASONING_MAX_TOKENS", 4000),
		FakeReasoningHandling:    getEnvString("FAKE_REASONING_HANDLING", "as_reasoning_content"),
		FakeReasoningOpenTags:    getEnvStringList("FAKE_REASONING_OPEN_TAGS", defaultOpenTags),
		FakeReasoningBufferSize:  getEnvInt("FAKE_REASONING_INITIAL_BUFFER_SIZE", 100),
	}

	cfg.ModelMapping = make(map[string]string, len(modelMapping))
	for k, v := range modelMapping {
		cfg.ModelMapping[k] = v
	}
	cfg.AvailableModels = make([]string, len(availableModels))
	copy(cfg.AvailableModels, availableModels)

	if cfg.FirstTokenTimeout >= cfg.StreamingReadTimeout {
		log.Warnf("FIRST_TOKEN_TIMEOUT (%.0fs) should be less than STREAMING_READ_TIMEOUT (%.0fs)",
			cfg.FirstTokenTimeout, cfg.StreamingReadTimeout)
	}

	return cfg, envErr == nil
}

// InternalModelID maps an external model name to the internal Kiro ID.
func (c *Config) InternalModelID(externalModel string) string {
	if id, ok := c.ModelMapping[externalModel]; ok {
		return id
	}
	return externalModel
}

// KiroRefreshURL returns the Kiro Desktop token refresh URL for the API region.
func (c *Config) KiroRefreshURL() string {
	if c.RefreshURLOverride != "" {
		return c.RefreshURLOverride
	}
	return strings.ReplaceAll(KiroRefreshURLTemplate, "{region}", c.Region)
}

// AWSSSOOIDCURL returns the AWS SSO OIDC token URL for an SSO region.
func (c *Config) AWSSSOOIDCURL(region string) string {
	if c.OIDCURLOverride != "" {
		return c.OIDCURLOverride
	}
	return strings.ReplaceAll(AWSSSOOIDCURLTemplate, "{region}", region)
}

// KiroAPIHost returns the generateAssistantResponse host for the API region.
func (c *Config) KiroAPIHost() string {
	return strings.ReplaceAll(KiroAPIHostTemplate, "{region}", c.Region)
}

// KiroQHost returns the ListAvailableModels host for the API region.
func (c *Config) KiroQHost() string {
	return strings.ReplaceAll(KiroQHostTemplate, "{region}", c.Region)
}

// Validate checks that required settings are present. A configured credential
// path that does not exist on disk is downgraded to a warning and treated as
// absent, so a stale KIRO_CREDS_FILE cannot mask a missing REFRESH_TOKEN.
func (c *Config) Validate(envFound bool) error {
	if !envFound {
		return fmt.Errorf("no .env file found: create one (cp .env.example .env) and configure credentials")
	}

	hasCredsFile := c.KiroCredsFile != ""
	if hasCredsFile {
		if _, err := os.Stat(utils.ExpandPath(c.KiroCredsFile)); err != nil {
			log.Warnf("KIRO_CREDS_FILE not found: %s", c.KiroCredsFile)
			hasCredsFile = false
		}
	}

	hasCLIDB := c.KiroCLIDBFile != ""
	if hasCLIDB {
		if _, err := os.Stat(utils.ExpandPath(c.KiroCLIDBFile)); err != nil {
			log.Warnf("KIRO_CLI_DB_FILE not found: %s", c.KiroCLIDBFile)
			hasCLIDB = false
		}
	}

	if c.RefreshToken == "" && !hasCredsFile && !hasCLIDB {
		return fmt.Errorf("no Kiro credentials configured: set REFRESH_TOKEN, KIRO_CREDS_FILE, or KIRO_CLI_DB_FILE")
	}
	if c.ProxyAPIKey == "" {
		return fmt.Errorf("PROXY_API_KEY is required")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvStringList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		out := make([]string, len(defaultValue))
		copy(out, defaultValue)
		return out
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = make([]string, len(defaultValue))
		copy(out, defaultValue)
	}
	return out
}
