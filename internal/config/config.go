package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr     string
	Backend        string // "memory" or "redis"
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PostgresDSN    string
	ScraperCommand string
	ScraperArgs    []string
	ScraperTimeout time.Duration
	ScrapeOutDir   string
	HealthInterval time.Duration
	PollInterval   time.Duration
	APIProbeURL    string

	ArtifactBackend string // "none", "local" or "minio"
	ArtifactRoot    string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool

	RemediationCatalogPath string
}

func FromEnv() Config {
	return Config{
		ListenAddr:     getenv("TENDERFLOW_LISTEN_ADDR", ":8090"),
		Backend:        getenv("TENDERFLOW_BACKEND", "memory"),
		RedisAddr:      getenv("TENDERFLOW_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("TENDERFLOW_REDIS_PASSWORD", ""),
		RedisDB:        getenvInt("TENDERFLOW_REDIS_DB", 0),
		PostgresDSN:    getenv("TENDERFLOW_POSTGRES_DSN", ""),
		ScraperCommand: getenv("TENDERFLOW_SCRAPER_CMD", "python3"),
		ScraperArgs:    getenvList("TENDERFLOW_SCRAPER_ARGS", []string{"scraper/main.py"}),
		ScraperTimeout: getenvDuration("TENDERFLOW_SCRAPER_TIMEOUT", 30*time.Minute),
		ScrapeOutDir:   getenv("TENDERFLOW_SCRAPE_OUT_DIR", "/tmp/tenderflow-scrapes"),
		HealthInterval: getenvDuration("TENDERFLOW_HEALTH_INTERVAL", 30*time.Second),
		PollInterval:   getenvDuration("TENDERFLOW_POLL_INTERVAL", 500*time.Millisecond),
		APIProbeURL:    getenv("TENDERFLOW_API_PROBE_URL", "http://localhost:8090/healthz"),

		ArtifactBackend: getenv("TENDERFLOW_ARTIFACT_BACKEND", "none"),
		ArtifactRoot:    getenv("TENDERFLOW_ARTIFACT_ROOT", "/tmp/tenderflow-artifacts"),
		MinIOEndpoint:   getenv("TENDERFLOW_MINIO_ENDPOINT", ""),
		MinIOAccessKey:  getenv("TENDERFLOW_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:  getenv("TENDERFLOW_MINIO_SECRET_KEY", ""),
		MinIOBucket:     getenv("TENDERFLOW_MINIO_BUCKET", "tenderflow-scrapes"),
		MinIOUseSSL:     getenvBool("TENDERFLOW_MINIO_USE_SSL", false),

		RemediationCatalogPath: getenv("TENDERFLOW_REMEDIATION_CATALOG", ""),
	}
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getenvList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
