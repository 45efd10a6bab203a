package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server struct {
		Port string
		Host string
		TLS  struct {
			Enabled  bool
			CertFile string
			KeyFile  string
		}
		DeployDomain string
		Debug        bool
	}
	Auth struct {
		JWTSecret string
	}
	Database struct {
		DSN      string
		RedisURI string
	}
	Sentry struct {
		DSN string
	}
	Limits struct {
		SubmissionLimit  int
		SubmissionWindow time.Duration
		UploadLimit      int
		UploadWindow     time.Duration
	}
	Dedup struct {
		Threshold float64
		ScanLimit int
	}
	Votes struct {
		// Per-village priority multipliers, default 1.0 when absent
		VillageWeights map[string]float64
	}
	Events struct {
		Channel string
	}
}

func Load() (*Config, error) {

	envStack := os.Getenv("ENV_STACK")

	if envStack != "" {
		filePath := "./env-files/.env." + envStack
		err := godotenv.Load(filePath)
		if err != nil {
			fmt.Printf("Error loading .env file: %s\n", err)
		}
	}

	c := &Config{}

	c.Server.Port = os.Getenv("SERVER_PORT")
	if c.Server.Port == "" {
		c.Server.Port = "1927"
	}

	c.Server.Host = os.Getenv("SERVER_HOST")
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}

	c.Server.DeployDomain = os.Getenv("DEPLOY_DOMAIN")
	if c.Server.DeployDomain == "" {
		c.Server.DeployDomain = c.Server.Host + ":" + c.Server.Port
	}

	c.Server.Debug = os.Getenv("ENABLE_DEBUG_ENDPOINTS") == "true"

	useTLS := os.Getenv("USE_TLS")
	c.Server.TLS.Enabled = useTLS != "false" && useTLS != "0"
	c.Server.TLS.CertFile = "./certs/localhost.pem"
	c.Server.TLS.KeyFile = "./certs/localhost-key.pem"

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")

	c.Database.DSN = os.Getenv("DATABASE_DSN")
	c.Database.RedisURI = os.Getenv("REDIS_URI")

	c.Sentry.DSN = os.Getenv("SENTRY_DSN")

	c.Limits.SubmissionLimit = envInt("SUBMISSION_RATE_LIMIT", 10)
	c.Limits.SubmissionWindow = envDuration("SUBMISSION_RATE_WINDOW", 24*time.Hour)
	c.Limits.UploadLimit = envInt("UPLOAD_RATE_LIMIT", 10)
	c.Limits.UploadWindow = envDuration("UPLOAD_RATE_WINDOW", time.Minute)

	c.Dedup.Threshold = envFloat("DEDUP_SIMILARITY_THRESHOLD", 0.86)
	c.Dedup.ScanLimit = envInt("DEDUP_SCAN_LIMIT", 500)

	c.Votes.VillageWeights = parseVillageWeights(os.Getenv("VILLAGE_WEIGHTS"))

	c.Events.Channel = os.Getenv("EVENTS_CHANNEL")
	if c.Events.Channel == "" {
		c.Events.Channel = "guestvoice-events"
	}

	return c, nil
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Printf("WARNING: %s=%q is not an integer, using %d\n", name, v, fallback)
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fmt.Printf("WARNING: %s=%q is not a number, using %g\n", name, v, fallback)
		return fallback
	}
	return f
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Printf("WARNING: %s=%q is not a duration, using %s\n", name, v, fallback)
		return fallback
	}
	return d
}

// parseVillageWeights parses "alpine:1.5,lagoon:2.0" into a multiplier map
func parseVillageWeights(raw string) map[string]float64 {
	weights := make(map[string]float64)
	if raw == "" {
		return weights
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			fmt.Printf("WARNING: skipping malformed VILLAGE_WEIGHTS entry %q\n", pair)
			continue
		}
		w, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			fmt.Printf("WARNING: skipping malformed VILLAGE_WEIGHTS entry %q\n", pair)
			continue
		}
		weights[parts[0]] = w
	}
	return weights
}
