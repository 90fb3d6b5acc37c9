package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the client needs to reach the backend and keep its
// local state. It replaces values the mobile app pulled from ambient context.
type Config struct {
	APIURL    string
	SocketURL string
	DataDir   string
	DeviceID  string

	IDToken     string
	TokenSecret string

	TranslateURL         string
	TranslateAPIKey      string
	TranslateRPS         int
	TranslationCacheSize int
	TargetLanguage       string

	RequestTimeout time.Duration
	EchoWindow     time.Duration
	DisplayZone    string

	CacheDB string

	AMQPURL      string
	AMQPExchange string
	OTLPEndpoint string
	LogLevel     string

	DevServerAddr         string
	DevServerEchoToSender bool
}

// Load reads an optional .env file and then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	cfg := &Config{
		APIURL:    strings.TrimRight(getEnv("API_URL", "http://localhost:3000"), "/"),
		SocketURL: getEnv("SOCKET_URL", ""),
		DataDir:   getEnv("DATA_DIR", defaultDataDir()),
		DeviceID:  getEnv("DEVICE_ID", ""),

		IDToken:     getEnv("ID_TOKEN", ""),
		TokenSecret: getEnv("TOKEN_SECRET", ""),

		TranslateURL:         strings.TrimRight(getEnv("TRANSLATE_URL", ""), "/"),
		TranslateAPIKey:      getEnv("TRANSLATE_API_KEY", ""),
		TranslateRPS:         getEnvAsInt("TRANSLATE_RPS", 5),
		TranslationCacheSize: getEnvAsInt("TRANSLATION_CACHE_SIZE", 1024),
		TargetLanguage:       getEnv("TARGET_LANGUAGE", ""),

		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		EchoWindow:     getEnvAsDuration("ECHO_WINDOW", 5*time.Second),
		DisplayZone:    getEnv("DISPLAY_TZ", "Local"),

		CacheDB: getEnv("CACHE_DB", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "chat_client.events"),
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		DevServerAddr:         getEnv("DEVSERVER_ADDR", ":3000"),
		DevServerEchoToSender: getEnvAsBool("DEVSERVER_ECHO_TO_SENDER", false),
	}

	if cfg.SocketURL == "" {
		cfg.SocketURL = socketURLFor(cfg.APIURL)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if cfg.TranslationCacheSize <= 0 {
		return nil, fmt.Errorf("TRANSLATION_CACHE_SIZE must be positive")
	}
	if _, err := time.LoadLocation(cfg.DisplayZone); err != nil {
		return nil, fmt.Errorf("DISPLAY_TZ: %w", err)
	}

	return cfg, nil
}

// Location returns the display time zone used for day grouping.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DisplayZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// AttachmentDir is the per-app directory that holds downloaded files.
func (c *Config) AttachmentDir() string {
	return filepath.Join(c.DataDir, "attachments")
}

// socketURLFor derives the live channel endpoint from the REST base.
func socketURLFor(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://") + "/ws"
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://") + "/ws"
	default:
		return apiURL + "/ws"
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "chat-client")
	}
	return ".chat-client"
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
