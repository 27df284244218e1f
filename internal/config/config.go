package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                   string `yaml:"port"`
	LogLevel               string `yaml:"logLevel"`
	DatabaseURL            string `yaml:"databaseURL"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	ClassifierBaseURL        string `yaml:"classifierBaseURL"`
	ClassifierAPIKey         string `yaml:"classifierApiKey"`
	ClassifierModel          string `yaml:"classifierModel"`
	ClassifierTimeoutSeconds int    `yaml:"classifierTimeoutSeconds"`
	ScanFailClosed           bool   `yaml:"scanFailClosed"`

	TokenSecret   string `yaml:"tokenSecret"`
	TokenIssuer   string `yaml:"tokenIssuer"`
	TokenAudience string `yaml:"tokenAudience"`

	MaxUploadBytes        int64 `yaml:"maxUploadBytes"`
	UploadRateLimit       int   `yaml:"uploadRateLimit"`
	UploadRateWindowSecs  int   `yaml:"uploadRateWindowSeconds"`
	TrackRateLimit        int   `yaml:"trackRateLimit"`
	TrackRateWindowSecs   int   `yaml:"trackRateWindowSeconds"`
	EngageRateLimit       int   `yaml:"engageRateLimit"`
	EngageRateWindowSecs  int   `yaml:"engageRateWindowSeconds"`
	PresignExpirySeconds  int   `yaml:"presignExpirySeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("SCRIPTHUB_CLASSIFIER_BASE_URL"); v != "" {
		cfg.ClassifierBaseURL = v
	}
	if v := os.Getenv("SCRIPTHUB_CLASSIFIER_API_KEY"); v != "" {
		cfg.ClassifierAPIKey = v
	}
	if v := os.Getenv("SCRIPTHUB_CLASSIFIER_MODEL"); v != "" {
		cfg.ClassifierModel = v
	}
	if v := os.Getenv("SCRIPTHUB_SCAN_FAIL_CLOSED"); v != "" {
		cfg.ScanFailClosed = v == "true"
	}
	if v := os.Getenv("SCRIPTHUB_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("SCRIPTHUB_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if strings.TrimSpace(cfg.QueueName) == "" {
		cfg.QueueName = "scripthub:scan"
	}
	if strings.TrimSpace(cfg.QueueGroup) == "" {
		cfg.QueueGroup = "scan-workers"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.QueueRetryDelaySeconds <= 0 {
		cfg.QueueRetryDelaySeconds = 2
	}
	if cfg.ClassifierTimeoutSeconds <= 0 {
		cfg.ClassifierTimeoutSeconds = 30
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if cfg.UploadRateLimit <= 0 {
		cfg.UploadRateLimit = 10
	}
	if cfg.UploadRateWindowSecs <= 0 {
		cfg.UploadRateWindowSecs = 60
	}
	if cfg.TrackRateLimit <= 0 {
		cfg.TrackRateLimit = 120
	}
	if cfg.TrackRateWindowSecs <= 0 {
		cfg.TrackRateWindowSecs = 60
	}
	if cfg.EngageRateLimit <= 0 {
		cfg.EngageRateLimit = 30
	}
	if cfg.EngageRateWindowSecs <= 0 {
		cfg.EngageRateWindowSecs = 60
	}
	if cfg.PresignExpirySeconds <= 0 {
		cfg.PresignExpirySeconds = 300
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml)")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.ClassifierBaseURL == "" {
		return errors.New("config: classifierBaseURL is required (set in config.yaml)")
	}
	if cfg.TokenSecret == "" {
		return errors.New("config: tokenSecret is required (set in config.yaml or SCRIPTHUB_TOKEN_SECRET)")
	}
	return nil
}
