package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// ストレージ設定
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	PebblePath string

	// サーバー設定
	ServerPort string
	Env        string
	LogLevel   string

	// CORS設定
	AllowedOrigins []string

	// 認証設定
	JWTSecret string
	JWTIssuer string

	// Identity directory (device tokens, display names)
	RedisURL string

	// Push delivery
	FCMCredentialsFile string
	FCMProjectID       string
	PushTimeout        time.Duration
	PushWorkers        int
	PushQueue          int

	// Attachment storage
	AWSRegion     string
	AWSBucketName string
	MediaURLTTL   time.Duration
	MediaMaxBytes int64

	// Pagination
	MessagePageDefault int
	MessagePageMax     int
	ChatPageDefault    int
	ChatPageMax        int

	// WebSocket inbound limits
	WSEventsPerSecond float64
	WSEventBurst      int
}

// Load loads configuration from environment variables
func Load() Config {
	dbDriver := strings.ToLower(os.Getenv("DB_DRIVER"))
	if dbDriver == "" {
		dbDriver = "mysql"
	}

	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "3306"
	}

	pebblePath := os.Getenv("PEBBLE_PATH")
	if pebblePath == "" {
		pebblePath = "./data/chat"
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:4200,http://127.0.0.1:4200"
	}

	cfg := Config{
		DBDriver:           dbDriver,
		DBHost:             dbHost,
		DBPort:             dbPort,
		DBUser:             os.Getenv("DB_USER"),
		DBPassword:         os.Getenv("DB_PASSWORD"),
		DBName:             os.Getenv("DB_NAME"),
		PebblePath:         pebblePath,
		ServerPort:         serverPort,
		Env:                env,
		LogLevel:           logLevel,
		AllowedOrigins:     strings.Split(allowedOrigins, ","),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		JWTIssuer:          os.Getenv("JWT_ISSUER"),
		RedisURL:           os.Getenv("REDIS_URL"),
		FCMCredentialsFile: os.Getenv("FCM_CREDENTIALS_FILE"),
		FCMProjectID:       os.Getenv("FCM_PROJECT_ID"),
		PushTimeout:        durationEnv("PUSH_TIMEOUT", 5*time.Second),
		PushWorkers:        intEnv("PUSH_WORKERS", 4),
		PushQueue:          intEnv("PUSH_QUEUE", 256),
		AWSRegion:          os.Getenv("AWS_REGION"),
		AWSBucketName:      os.Getenv("AWS_BUCKET_NAME"),
		MediaURLTTL:        durationEnv("MEDIA_URL_TTL", time.Hour),
		MediaMaxBytes:      int64(intEnv("MEDIA_MAX_BYTES", 25<<20)),
		MessagePageDefault: intEnv("MESSAGE_PAGE_DEFAULT", 20),
		MessagePageMax:     intEnv("MESSAGE_PAGE_MAX", 100),
		ChatPageDefault:    intEnv("CHAT_PAGE_DEFAULT", 10),
		ChatPageMax:        intEnv("CHAT_PAGE_MAX", 50),
		WSEventsPerSecond:  floatEnv("WS_EVENTS_PER_SECOND", 20),
		WSEventBurst:       intEnv("WS_EVENT_BURST", 40),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	if cfg.MessagePageMax < cfg.MessagePageDefault {
		cfg.MessagePageMax = cfg.MessagePageDefault
	}
	if cfg.ChatPageMax < cfg.ChatPageDefault {
		cfg.ChatPageMax = cfg.ChatPageDefault
	}

	return cfg
}

// IsDevelopment reports whether the server runs in development mode
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
