package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"securechat-backend/internal/models"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	defaultHandshakeTimeout = 10
	defaultIdleTimeout      = 75
	defaultMaxMessageLength = 4000
	defaultAuditFlushSec    = 5
	defaultAuditBufferSize  = 64
)

// Load reads the JSON config file and applies environment overrides.
func Load(path string) (*models.ConfigFile, error) {
	var cfg models.ConfigFile

	configFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer configFile.Close()

	bytes, err := io.ReadAll(configFile)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *models.ConfigFile) {
	if v := os.Getenv("CHAT_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("CHAT_JWT_SECRET"); v != "" {
		cfg.JwtSecret = v
	}
	if v := os.Getenv("CHAT_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("CHAT_REDIS_ADDR"); v != "" {
		cfg.RedisAddress = v
	}
	if v := os.Getenv("CHAT_SELF_CONTAINED"); v != "" {
		cfg.SelfContained = v == "true"
	}
	if v := os.Getenv("CHAT_SNOWFLAKE_WORKER_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SnowflakeWorkerID = n
		}
	}
}

func applyDefaults(cfg *models.ConfigFile) {
	if cfg.HandshakeTimeoutSec <= 0 {
		cfg.HandshakeTimeoutSec = defaultHandshakeTimeout
	}
	if cfg.IdleTimeoutSec <= 0 {
		cfg.IdleTimeoutSec = defaultIdleTimeout
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.AuditFlushSec <= 0 {
		cfg.AuditFlushSec = defaultAuditFlushSec
	}
	if cfg.AuditBufferSize <= 0 {
		cfg.AuditBufferSize = defaultAuditBufferSize
	}
	if cfg.RedisAddress == "" {
		cfg.RedisAddress = "localhost:6379"
	}
}

// Validate reports conditions the process must refuse to start under.
// A missing or malformed encryption key is fatal: running without
// protection for sensitive content is not an option.
func Validate(cfg *models.ConfigFile) error {
	if cfg.JwtSecret == "" {
		return fmt.Errorf("JwtSecret is not set")
	}
	if _, err := DecodedEncryptionKey(cfg); err != nil {
		return err
	}
	if !cfg.SelfContained {
		if cfg.DbUser == "" || cfg.DbAddress == "" || cfg.DbDatabase == "" {
			return fmt.Errorf("database connection settings are incomplete")
		}
	}
	return nil
}

// DecodedEncryptionKey decodes and length-checks the message encryption key.
func DecodedEncryptionKey(cfg *models.ConfigFile) ([]byte, error) {
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("EncryptionKey is not set")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("EncryptionKey is not valid base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("EncryptionKey must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
