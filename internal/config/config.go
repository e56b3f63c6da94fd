package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting
// services.
type Config struct {
	ListenAddr     string
	MySQLDSN       string
	KIEAPIKey      string
	KIEBaseURL     string
	RequestTimeout time.Duration

	// Provider retry budget for task submission.
	ProviderMaxRetries  int
	ProviderRetryBase   time.Duration
	ProviderRetryMaxGap time.Duration

	// Cost in credits of one generation.
	GenerationCost int64

	// Reward amounts for the credit ledger.
	ReferralSignupReward   int64
	ReferralPurchaseReward int64
	CheckInRewards         []int64

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3AssetPrefix   string
	S3TaskPrefix    string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultKIEBaseURL = "https://api.kie.ai"

	cfg := Config{
		ListenAddr:             getEnv("LISTEN_ADDR", ":8080"),
		KIEBaseURL:             normalizeKIEBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		RequestTimeout:         time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		ProviderMaxRetries:     getInt("PROVIDER_MAX_RETRIES", 3),
		ProviderRetryBase:      time.Millisecond * time.Duration(getInt("PROVIDER_RETRY_BASE_MS", 500)),
		ProviderRetryMaxGap:    time.Second * time.Duration(getInt("PROVIDER_RETRY_MAX_GAP_SECONDS", 10)),
		GenerationCost:         int64(getInt("GENERATION_COST", 5)),
		ReferralSignupReward:   int64(getInt("REFERRAL_SIGNUP_REWARD", 10)),
		ReferralPurchaseReward: int64(getInt("REFERRAL_PURCHASE_REWARD", 30)),
		CheckInRewards:         parseRewards(getEnv("CHECK_IN_REWARDS", "1,2,3,4,5,6,10")),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3Region:               os.Getenv("S3_REGION"),
		S3AccessKey:            os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("S3_SECRET_KEY"),
		S3Bucket:               os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:        os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:         getBool("S3_USE_PATH_STYLE", false),
		S3AssetPrefix:          getEnv("S3_ASSET_PREFIX", "generated"),
		S3TaskPrefix:           getEnv("S3_TASK_PREFIX", "tasks"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// normalizeKIEBaseURL ensures we always hit the documented API host. Some docs
// and UI pages use the root kie.ai domain, which returns HTML instead of JSON
// and causes 404s.
func normalizeKIEBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	// Force API subdomain to avoid landing on the marketing site.
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return parsed.String()
}

// parseRewards turns "1,2,3" into the day->credits table for check-in streaks.
// The last entry is the cap for every day past the end of the table.
func parseRewards(raw string) []int64 {
	parts := strings.Split(raw, ",")
	rewards := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || v < 0 {
			continue
		}
		rewards = append(rewards, v)
	}
	if len(rewards) == 0 {
		rewards = []int64{1}
	}
	return rewards
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Environment-only deployments are fine without an env file.
	return nil
}
