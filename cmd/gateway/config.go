package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type config struct {
	listenAddr  string
	adminAddr   string
	upstreamURL string
	dbPath      string

	admissionEnabled bool
	keyHeader        string
	userHeader       string
	trustXFF         bool
	rejectStatus     int
	addHeaders       bool

	counterIdleMultiple int
	counterCleanupEvery time.Duration
	counterShards       int

	writerQueue    int
	expirySchedule string
	liveInterval   time.Duration
	allowedOrigins []string

	logLevel  logrus.Level
	logFormat string

	metricsEnabled bool

	statsEnabled       bool
	statsRedisAddr     string
	statsRedisPassword string
	statsRedisDB       int
	statsPrefix        string
	statsTTL           time.Duration
	statsBucket        string
	statsTrackIPs      bool
}

// loadDotenv carrega os arquivos informados (ou .env) sem sobrescrever o ambiente.
// Arquivo inexistente não é erro.
func loadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.adminAddr = getenvDefault("ADMIN_ADDR", ":9090")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")
	cfg.dbPath = getenvDefault("DB_PATH", "./data/admission.db")

	cfg.admissionEnabled = getenvBoolDefault("ADMISSION_ENABLED", true)
	cfg.keyHeader = os.Getenv("CLIENT_IP_HEADER")
	cfg.userHeader = getenvDefault("USER_HEADER", "X-User-Id")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.rejectStatus = getenvIntDefault("REJECT_STATUS", 429)
	cfg.addHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", false)

	cfg.counterIdleMultiple = getenvIntDefault("COUNTER_IDLE_MULTIPLE", 3)
	cfg.counterCleanupEvery = getenvDurationDefault("COUNTER_CLEANUP_EVERY", 2*time.Minute)
	cfg.counterShards = getenvIntDefault("COUNTER_SHARDS", 64)

	cfg.writerQueue = getenvIntDefault("BLACKLIST_WRITER_QUEUE", 256)
	cfg.expirySchedule = getenvDefault("BLACKLIST_EXPIRY_SCHEDULE", "@every 1m")
	cfg.liveInterval = getenvDurationDefault("STATS_LIVE_INTERVAL", 2*time.Second)
	cfg.allowedOrigins = getenvListDefault("ADMIN_ALLOWED_ORIGINS", nil)

	cfg.logFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))
	level, err := logrus.ParseLevel(getenvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return config{}, err
	}
	cfg.logLevel = level

	cfg.metricsEnabled = getenvBoolDefault("METRICS_ENABLED", true)

	cfg.statsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.statsRedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", "")
	cfg.statsRedisPassword = os.Getenv("RATE_STATS_REDIS_PASSWORD")
	cfg.statsRedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", 0)
	cfg.statsPrefix = getenvDefault("RATE_STATS_PREFIX", "admission:stats")
	cfg.statsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.statsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.statsTrackIPs = getenvBoolDefault("RATE_STATS_TRACK_IPS", false)

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if strings.TrimSpace(cfg.dbPath) == "" {
		return config{}, errors.New("DB_PATH must not be empty")
	}
	if cfg.statsEnabled && strings.TrimSpace(cfg.statsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true")
	}
	if cfg.rejectStatus < 400 || cfg.rejectStatus > 599 {
		return config{}, errors.New("REJECT_STATUS must be a 4xx or 5xx status")
	}
	if cfg.counterShards <= 0 {
		return config{}, errors.New("COUNTER_SHARDS must be > 0")
	}
	if cfg.logFormat != "text" && cfg.logFormat != "json" {
		return config{}, errors.New("LOG_FORMAT must be text or json")
	}
	if _, err := cron.ParseStandard(cfg.expirySchedule); err != nil {
		return config{}, errors.New("BLACKLIST_EXPIRY_SCHEDULE is invalid: " + err.Error())
	}
	return cfg, nil
}

func newLogger(cfg config) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(cfg.logLevel)
	if cfg.logFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// getenvListDefault lê uma lista separada por vírgulas, ignorando itens vazios.
func getenvListDefault(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
