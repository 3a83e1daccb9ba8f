package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Stream / consumer-group config
	StreamName      string
	StreamGroup     string
	ConsumerName    string
	DLQStream       string
	PermadeadStream string

	// Worker tuning
	BatchSize     int
	MaxRetries    int
	MaxDLQRetries int
	StaleIdle     time.Duration // pending entries idle longer than this are reclaimed
	MinSleep      time.Duration
	MaxSleep      time.Duration
	LockKey       string
	LockTTL       time.Duration

	// Circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Live push throttle (per recipient)
	PushLimit  int
	PushWindow time.Duration

	// Periodic maintenance
	TrimInterval      time.Duration
	TrimMaxLen        int64
	SweepInterval     time.Duration
	RetentionInterval time.Duration
	RetentionAge      time.Duration // persisted notifications older than this are pruned
	StreamRetention   time.Duration // stream entries older than this are trimmed by min id
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "notifier"
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "driftboard",
		DBPassword: "",
		DBName:     "driftboard",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		StreamName:      "notifications:events",
		StreamGroup:     "notifier",
		ConsumerName:    hostname,
		DLQStream:       "notifications:dlq",
		PermadeadStream: "notifications:permadead",

		BatchSize:     25,
		MaxRetries:    3,
		MaxDLQRetries: 5,
		StaleIdle:     60 * time.Second,
		MinSleep:      1 * time.Second,
		MaxSleep:      60 * time.Second,
		LockKey:       "notifier:worker:lock",
		LockTTL:       30 * time.Second,

		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,

		PushLimit:  30,
		PushWindow: 1 * time.Minute,

		TrimInterval:      1 * time.Hour,
		TrimMaxLen:        100_000,
		SweepInterval:     5 * time.Minute,
		RetentionInterval: 24 * time.Hour,
		RetentionAge:      84 * 24 * time.Hour,
		StreamRetention:   28 * 24 * time.Hour,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Stream config
	if name := os.Getenv("STREAM_NAME"); name != "" {
		cfg.StreamName = name
	}

	if group := os.Getenv("STREAM_GROUP"); group != "" {
		cfg.StreamGroup = group
	}

	if consumer := os.Getenv("CONSUMER_NAME"); consumer != "" {
		cfg.ConsumerName = consumer
	}

	if name := os.Getenv("DLQ_STREAM"); name != "" {
		cfg.DLQStream = name
	}

	if name := os.Getenv("PERMADEAD_STREAM"); name != "" {
		cfg.PermadeadStream = name
	}

	// Worker tuning
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}

	if v := os.Getenv("MAX_DLQ_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_DLQ_RETRIES: %w", err)
		}
		cfg.MaxDLQRetries = n
	}

	if d, err := envDuration("STALE_IDLE"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.StaleIdle = d
	}

	if d, err := envDuration("MIN_SLEEP"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.MinSleep = d
	}

	if d, err := envDuration("MAX_SLEEP"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.MaxSleep = d
	}

	if key := os.Getenv("LOCK_KEY"); key != "" {
		cfg.LockKey = key
	}

	if d, err := envDuration("LOCK_TTL"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.LockTTL = d
	}

	// Circuit breaker
	if v := os.Getenv("BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_THRESHOLD: %w", err)
		}
		cfg.BreakerThreshold = n
	}

	if d, err := envDuration("BREAKER_COOLDOWN"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.BreakerCooldown = d
	}

	// Live push throttle
	if v := os.Getenv("PUSH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_LIMIT: %w", err)
		}
		cfg.PushLimit = n
	}

	if d, err := envDuration("PUSH_WINDOW"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.PushWindow = d
	}

	// Periodic maintenance
	if d, err := envDuration("TRIM_INTERVAL"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.TrimInterval = d
	}

	if v := os.Getenv("TRIM_MAX_LEN"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TRIM_MAX_LEN: %w", err)
		}
		cfg.TrimMaxLen = n
	}

	if d, err := envDuration("SWEEP_INTERVAL"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.SweepInterval = d
	}

	if d, err := envDuration("RETENTION_INTERVAL"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.RetentionInterval = d
	}

	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETENTION_DAYS: %w", err)
		}
		cfg.RetentionAge = time.Duration(n) * 24 * time.Hour
	}

	if v := os.Getenv("STREAM_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STREAM_RETENTION_DAYS: %w", err)
		}
		cfg.StreamRetention = time.Duration(n) * 24 * time.Hour
	}

	return cfg, nil
}

func envDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
