package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/avolkov/peercall/internal/push"

	"github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string
	TURNPort  int
	TURNRealm string
	DBPath    string
	LogLevel  string

	JWTSecret string
	VAPIDKeys push.VAPIDKeys

	// Backend-only mode fields
	HTTPOnly    bool
	FrontendURI string
}

// fileConfig is the subset persisted in config.json next to the binary.
// Secrets live in the keys directory, never in config.json.
type fileConfig struct {
	HTTPPort    string `json:"http_port"`
	HTTPSPort   string `json:"https_port"`
	Domain      string `json:"domain"`
	TURNPort    int    `json:"turn_port"`
	TURNRealm   string `json:"turn_realm"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	FrontendURI string `json:"frontend_uri"`
}

// Load builds the configuration from config.json (if present) with
// environment-variable fallbacks, then loads or generates the secrets.
func Load(httpOnly bool) *Config {
	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		HTTPSPort: getEnv("HTTPS_PORT", "8443"),
		Domain:    getEnv("DOMAIN", "localhost"),
		TURNPort:  getEnvInt("TURN_PORT", 3478),
		TURNRealm: getEnv("TURN_REALM", "peercall"),
		DBPath:    getEnv("DB_PATH", "peercall.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		HTTPOnly:  httpOnly,
	}

	if fc, err := loadConfigFile(); err == nil {
		fmt.Println("NOTE: custom configuration loaded from config.json")
		applyFile(cfg, fc)
	}

	if uri := os.Getenv("FRONTEND_URI"); uri != "" {
		cfg.FrontendURI = uri
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()

	return cfg
}

func loadConfigFile() (*fileConfig, error) {
	data, err := os.ReadFile(configFilePath())
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.HTTPSPort != "" {
		cfg.HTTPSPort = fc.HTTPSPort
	}
	if fc.Domain != "" {
		cfg.Domain = fc.Domain
	}
	if fc.TURNPort != 0 {
		cfg.TURNPort = fc.TURNPort
	}
	if fc.TURNRealm != "" {
		cfg.TURNRealm = fc.TURNRealm
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.FrontendURI != "" {
		cfg.FrontendURI = fc.FrontendURI
	}
}

func configFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
		}
	}
	return secret
}

func loadOrGenerateVAPIDKeys() push.VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@peercall.app")

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return push.VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	keysDir := keysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")

	if pub, err := os.ReadFile(publicKeyFile); err == nil {
		if priv, err := os.ReadFile(privateKeyFile); err == nil {
			return push.VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(pub)),
				PrivateKey: strings.TrimSpace(string(priv)),
				Subject:    subject,
			}
		}
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(publicKeyFile, []byte(publicKey), 0600)
		_ = os.WriteFile(privateKeyFile, []byte(privateKey), 0600)
		fmt.Printf("VAPID keys saved to: %s\n", keysDir)
	}

	return push.VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
