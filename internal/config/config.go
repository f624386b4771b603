package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	LogFormat          string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	JWTSecret          string
	WebhookToken       string
	CORSAllowedOrigins []string

	// Language model
	LLMProvider         string
	LLMFallbackProvider string
	LLMModelID          string
	LLMTimeout          time.Duration
	LLMMaxTokens        int
	AIHistoryWindow     int
	AIFailureMode       string
	AIApologyMessage    string
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	GeminiAPIKey        string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	TranscriptionModel  string

	// Outbound delivery pacing
	SendMaxAttempts int
	SendBaseDelay   time.Duration
	SendMaxDelay    time.Duration
	SplitMinDelay   time.Duration
	SplitMaxDelay   time.Duration

	DedupeTTL      time.Duration
	PipelineBuffer int

	// Requests per second and burst; a zero rate disables the limiter.
	WebhookRateLimit float64
	WebhookRateBurst int
	APIRateLimit     float64
	APIRateBurst     int
}

// AI failure modes.
const (
	FailureModeApology = "apology"
	FailureModeSilent  = "silent"
)

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "json")),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		WebhookToken:       getEnv("WEBHOOK_TOKEN", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),

		LLMProvider:         strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "bedrock"))),
		LLMFallbackProvider: strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		LLMModelID:          getEnv("LLM_MODEL_ID", ""),
		LLMTimeout:          getEnvAsDuration("LLM_TIMEOUT", 25*time.Second),
		LLMMaxTokens:        getEnvAsInt("LLM_MAX_TOKENS", 512),
		AIHistoryWindow:     getEnvAsInt("AI_HISTORY_WINDOW", 10),
		AIFailureMode:       strings.ToLower(getEnv("AI_FAILURE_MODE", FailureModeApology)),
		AIApologyMessage:    getEnv("AI_APOLOGY_MESSAGE", "Desculpe, tive um problema para responder agora. Um atendente vai falar com você em breve."),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
		TranscriptionModel:  getEnv("TRANSCRIPTION_MODEL", "whisper-1"),

		SendMaxAttempts: getEnvAsInt("SEND_MAX_ATTEMPTS", 3),
		SendBaseDelay:   getEnvAsDuration("SEND_BASE_DELAY", 500*time.Millisecond),
		SendMaxDelay:    getEnvAsDuration("SEND_MAX_DELAY", 5*time.Second),
		SplitMinDelay:   getEnvAsDuration("SPLIT_MIN_DELAY", 800*time.Millisecond),
		SplitMaxDelay:   getEnvAsDuration("SPLIT_MAX_DELAY", 2500*time.Millisecond),

		DedupeTTL:      getEnvAsDuration("DEDUPE_TTL", 24*time.Hour),
		PipelineBuffer: getEnvAsInt("PIPELINE_BUFFER", 64),

		WebhookRateLimit: getEnvAsFloat("WEBHOOK_RATE_LIMIT", 50),
		WebhookRateBurst: getEnvAsInt("WEBHOOK_RATE_BURST", 100),
		APIRateLimit:     getEnvAsFloat("API_RATE_LIMIT", 10),
		APIRateBurst:     getEnvAsInt("API_RATE_BURST", 30),
	}
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
