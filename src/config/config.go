// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config reads worker settings from the environment (optionally seeded from .env).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendSQS      = "sqs"
	BackendMemory   = "memory"
)

type DBConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string `validate:"omitempty,numeric"`
	SSLMode  string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// ConnString renders the lib/pq key/value connection string.
func (c DBConfig) ConnString() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.User, c.Password, c.Name, c.Host, c.Port, c.SSLMode)
}

type MaskingConfig struct {
	BaseURL     string `validate:"omitempty,url"`
	Username    string
	Password    string
	SecretARN   string
	InsecureTLS bool
	Timeout     time.Duration `validate:"gt=0"`
}

type Config struct {
	QueueBackend string `validate:"oneof=postgres sqs memory"`
	DB           DBConfig
	SQSURL       string `validate:"required_if=QueueBackend sqs"`
	APIPort      string `validate:"required,numeric"`

	PollingInterval   time.Duration `validate:"gt=0"`
	WorkerConcurrency int           `validate:"min=1,max=256"`
	ClaimLease        time.Duration `validate:"gt=0"`

	RequeueDelay         time.Duration `validate:"gt=0"`
	RequeueBackoffFactor float64       `validate:"gte=1"`
	RequeueMaxDelay      time.Duration `validate:"gtefield=RequeueDelay"`
	MaxAttempts          int           `validate:"min=1"`

	ProbeTimeout time.Duration `validate:"gt=0"`
	ProbeRate    float64       `validate:"gte=0"`
	ProbeBurst   int           `validate:"min=1"`

	DefaultKind string `validate:"required"`
	KindsFile   string

	Masking MaskingConfig
}

var validate = validator.New()

// Validate checks field constraints plus the cross-section rules validator tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.QueueBackend == BackendPostgres && (c.DB.Host == "" || c.DB.Name == "") {
		return errors.New("invalid config: DB_HOST and DB_NAME are required for the postgres backend")
	}
	return nil
}

// Load reads .env when present and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset values.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}

	cfg := Config{
		QueueBackend: p.str("QUEUE_BACKEND", BackendPostgres),
		DB: DBConfig{
			User:     getenv("DB_USER"),
			Password: getenv("DB_PASSWORD"),
			Name:     getenv("DB_NAME"),
			Host:     getenv("DB_HOST"),
			Port:     p.str("DB_PORT", "5432"),
			SSLMode:  p.str("DB_SSLMODE", "require"),
		},
		SQSURL:  getenv("SQS_URL"),
		APIPort: p.str("API_PORT", "8080"),

		PollingInterval:   p.seconds("POLLING_INTERVAL", 5*time.Second),
		WorkerConcurrency: p.integer("WORKER_CONCURRENCY", 4),
		ClaimLease:        p.duration("CLAIM_LEASE", 15*time.Minute),

		RequeueDelay:         p.duration("REQUEUE_DELAY", 120*time.Second),
		RequeueBackoffFactor: p.number("REQUEUE_BACKOFF_FACTOR", 1),
		MaxAttempts:          p.integer("MAX_ATTEMPTS", 180),

		ProbeTimeout: p.duration("PROBE_TIMEOUT", 30*time.Second),
		ProbeRate:    p.number("PROBE_RATE", 5),
		ProbeBurst:   p.integer("PROBE_BURST", 5),

		DefaultKind: p.str("DEFAULT_KIND", "db-instance"),
		KindsFile:   getenv("KINDS_FILE"),

		Masking: MaskingConfig{
			BaseURL:     getenv("DATAMASQUE_BASE_URL"),
			Username:    getenv("DATAMASQUE_USERNAME"),
			Password:    getenv("DATAMASQUE_PASSWORD"),
			SecretARN:   getenv("DATAMASQUE_SECRET_ARN"),
			InsecureTLS: p.boolean("MASKING_INSECURE_TLS", false),
			Timeout:     p.duration("MASKING_TIMEOUT", 30*time.Second),
		},
	}
	cfg.RequeueMaxDelay = p.duration("REQUEUE_MAX_DELAY", cfg.RequeueDelay)

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parser keeps the first conversion error so FromEnv can report it once.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

// seconds accepts a bare integer number of seconds, as POLLING_INTERVAL always has,
// or a Go duration string.
func (p *parser) seconds(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return p.duration(key, def)
}
