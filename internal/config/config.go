package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names
const (
	portEnvVar    = "PORT"
	appNameVar    = "APP_NAME"
	baseURLVar    = "APP_BASE_URL"
	envVar        = "ENV"
	redisURLVar   = "REDIS_URL"
	skillsDirVar  = "REGISTRY_SKILLS_DIR"
	pollSecsVar   = "AUTH_POLL_INTERVAL_SECONDS"
	deviceTTLVar  = "AUTH_DEVICE_TTL_SECONDS"
	appIDVar      = "GITHUB_APP_ID"
	clientIDVar   = "GITHUB_APP_CLIENT_ID"
	clientSecVar  = "GITHUB_APP_CLIENT_SECRET"
	privateKeyVar = "GITHUB_APP_PRIVATE_KEY"
	installIDVar  = "GITHUB_APP_INSTALLATION_ID"
	apiBaseVar    = "GITHUB_API_BASE_URL"
	oauthBaseVar  = "GITHUB_OAUTH_BASE_URL"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultDeviceTTL    = 10 * time.Minute
	defaultSkillsDir    = "skills"
	defaultAPIBaseURL   = "https://api.github.com"
	defaultOAuthBaseURL = "https://github.com/login/oauth"
)

// Config holds every setting the service needs, loaded once at startup.
// Components receive it (or the fields they need) by reference and never
// read the environment themselves.
type Config struct {
	Port       string
	AppName    string
	Env        string // "DEV", "PROD", ...
	AppBaseURL string // public base URL, used to build the OAuth redirect URI

	// GitHub App identity
	GitHubAppID             int64
	GitHubAppClientID       string
	GitHubAppClientSecret   string
	GitHubAppPrivateKey     *rsa.PrivateKey
	GitHubAppInstallationID int64 // 0 means resolve per repository

	// GitHub endpoints, overridable for tests and GHES
	GitHubAPIBaseURL   string
	GitHubOAuthBaseURL string

	// Session store
	RedisURL     string // empty means in-memory store
	PollInterval time.Duration
	DeviceTTL    time.Duration

	// Registry layout
	SkillsRootDir string
}

// Load reads and validates the full configuration from the environment.
// Missing or malformed required values fail here, before the server starts.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               normalisePort(GetEnv(portEnvVar, "8080")),
		AppName:            GetEnv(appNameVar, "Enskill Registry"),
		Env:                GetEnv(envVar, "DEV"),
		AppBaseURL:         strings.TrimSuffix(GetEnv(baseURLVar, "http://localhost:8080"), "/"),
		GitHubAPIBaseURL:   strings.TrimSuffix(GetEnv(apiBaseVar, defaultAPIBaseURL), "/"),
		GitHubOAuthBaseURL: strings.TrimSuffix(GetEnv(oauthBaseVar, defaultOAuthBaseURL), "/"),
		RedisURL:           GetEnv(redisURLVar, ""),
		PollInterval:       positiveSeconds(pollSecsVar, defaultPollInterval),
		DeviceTTL:          positiveSeconds(deviceTTLVar, defaultDeviceTTL),
		SkillsRootDir:      GetEnv(skillsDirVar, defaultSkillsDir),
	}

	appID, err := requiredInt64(appIDVar)
	if err != nil {
		return nil, err
	}
	cfg.GitHubAppID = appID

	if cfg.GitHubAppClientID, err = required(clientIDVar); err != nil {
		return nil, err
	}
	if cfg.GitHubAppClientSecret, err = required(clientSecVar); err != nil {
		return nil, err
	}

	keyPEM, err := required(privateKeyVar)
	if err != nil {
		return nil, err
	}
	cfg.GitHubAppPrivateKey, err = ParseRSAPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", privateKeyVar, err)
	}

	if raw := strings.TrimSpace(os.Getenv(installIDVar)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", installIDVar, raw)
		}
		cfg.GitHubAppInstallationID = id
	}

	return cfg, nil
}

// ParseRSAPrivateKey parses a PEM-encoded RSA private key. Escaped "\n"
// sequences are unescaped first so the key can be supplied through a
// single-line environment variable.
func ParseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	pemData = strings.ReplaceAll(pemData, `\n`, "\n")

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// OAuthRedirectURL is the callback URI registered with the GitHub App.
func (c *Config) OAuthRedirectURL() string {
	return c.AppBaseURL + "/auth/callback"
}

func required(envVarName string) (string, error) {
	value := strings.TrimSpace(os.Getenv(envVarName))
	if value == "" {
		return "", fmt.Errorf("missing required environment variable %q", envVarName)
	}
	return value, nil
}

func requiredInt64(envVarName string) (int64, error) {
	raw, err := required(envVarName)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", envVarName, raw)
	}
	return value, nil
}

// positiveSeconds reads an integer-seconds variable, falling back to the
// default on anything missing, unparsable, or non-positive.
func positiveSeconds(envVarName string, fallback time.Duration) time.Duration {
	raw := os.Getenv(envVarName)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func normalisePort(port string) string {
	if port != "" && port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

// GetEnv returns the environment variable value or a default when unset.
func GetEnv(envVarName, defaultValue string) string {
	value := os.Getenv(envVarName)
	if value == "" {
		return defaultValue
	}
	return value
}
