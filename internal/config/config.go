package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQL    = "sql"
	BackendBadger = "badger"
)

type Config struct {
	DatabaseURL     string
	SnapshotBackend string
	BadgerPath      string
	Retention       time.Duration

	TickInterval      time.Duration
	TickMinutes       float64
	BroadcastInterval time.Duration
	SendTimeout       time.Duration
	PersistTimeout    time.Duration
	RetryBackoff      time.Duration
	BusRefresh        time.Duration
	Seed              int64

	HTTPAddr    string
	CORSOrigins []string

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	MetricsAddr       string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// DATABASE_URL / PG_DSN win, then SQLITE_DATABASE, then PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	switch {
	case dsn != "":
		cfg.DatabaseURL = dsn
	case os.Getenv("SQLITE_DATABASE") != "":
		cfg.DatabaseURL = "sqlite://" + os.Getenv("SQLITE_DATABASE")
	default:
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("DATABASE_URL, SQLITE_DATABASE or PGDATABASE must be set")
		}
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}

	cfg.SnapshotBackend = strings.ToLower(getenvDefault("SNAPSHOT_BACKEND", BackendSQL))
	switch cfg.SnapshotBackend {
	case BackendSQL, BackendBadger:
	default:
		return nil, fmt.Errorf("invalid SNAPSHOT_BACKEND: %q", cfg.SnapshotBackend)
	}
	cfg.BadgerPath = getenvDefault("BADGER_PATH", "./data/snapshots")

	hours, err := positiveInt("SNAPSHOT_RETENTION_HOURS", 72)
	if err != nil {
		return nil, err
	}
	cfg.Retention = time.Duration(hours) * time.Hour

	sec, err := positiveInt("TICK_INTERVAL_SEC", 30)
	if err != nil {
		return nil, err
	}
	cfg.TickInterval = time.Duration(sec) * time.Second

	// Simulated minutes per tick
	if v := os.Getenv("TICK_MINUTES"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid TICK_MINUTES: %q", v)
		}
		cfg.TickMinutes = f
	} else {
		cfg.TickMinutes = 1.0
	}

	ms, err := positiveInt("BROADCAST_INTERVAL_MS", 3000)
	if err != nil {
		return nil, err
	}
	cfg.BroadcastInterval = time.Duration(ms) * time.Millisecond

	if ms, err = positiveInt("SEND_TIMEOUT_MS", 2000); err != nil {
		return nil, err
	}
	cfg.SendTimeout = time.Duration(ms) * time.Millisecond

	if sec, err = positiveInt("PERSIST_TIMEOUT_SEC", 10); err != nil {
		return nil, err
	}
	cfg.PersistTimeout = time.Duration(sec) * time.Second

	if sec, err = positiveInt("RETRY_BACKOFF_SEC", 10); err != nil {
		return nil, err
	}
	cfg.RetryBackoff = time.Duration(sec) * time.Second

	// 0 disables reloading the active bus set
	if v := os.Getenv("BUS_REFRESH_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid BUS_REFRESH_INTERVAL_SEC: %q", v)
		}
		cfg.BusRefresh = time.Duration(sec) * time.Second
	} else {
		cfg.BusRefresh = 60 * time.Second
	}

	// 0 seeds from the clock
	if v := os.Getenv("SIM_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SIM_SEED: %q", v)
		}
		cfg.Seed = seed
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8000")
	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	// Empty NATS_URL disables position publishing
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "bustrack.positions")

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
