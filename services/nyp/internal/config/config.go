package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env         string      `yaml:"env" env:"NYP_ENV" env-default:"local"`
	HTTP        HTTPConfig  `yaml:"http"`
	Store       StoreConfig `yaml:"store"`
	Sources     Sources     `yaml:"sources"`
	Entitlement Entitlement `yaml:"entitlement"`
	Agreements  Agreements  `yaml:"agreements"`
	Notify      Notify      `yaml:"notify"`
	Operators   []string    `yaml:"operator_tokens" env:"NYP_OPERATOR_TOKENS" env-separator:","`
}

type HTTPConfig struct {
	Port            string        `yaml:"port" env:"SERVICE_PORT" env-default:"8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"10s"`
	// StoreTimeout bounds every store round trip made on behalf of a request.
	StoreTimeout time.Duration `yaml:"store_timeout" env-default:"5s"`
}

type StoreConfig struct {
	Mode     string         `yaml:"mode" env:"PERSISTENCE_MODE" env-default:"FILE"`
	Dir      string         `yaml:"dir" env:"PERSISTENCE_DIR" env-default:"data"`
	External ExternalConfig `yaml:"external"`
}

type ExternalConfig struct {
	Driver     string `yaml:"driver" env:"PERSISTENCE_DRIVER" env-default:"postgres"`
	URL        string `yaml:"url" env:"DATABASE_URL"`
	Database   string `yaml:"database" env:"PERSISTENCE_DATABASE" env-default:"nyp"`
	Collection string `yaml:"collection" env-default:"nyp_documents"`
	MaxConns   int32  `yaml:"max_conns" env-default:"10"`
}

// Sources selects where catalog products and order history are read from.
// "store" reads documents from the active Store; "sql" reads tables over database/sql.
type Sources struct {
	Kind      string `yaml:"kind" env:"NYP_SOURCES" env-default:"store"`
	SQLDriver string `yaml:"sql_driver" env:"NYP_SOURCES_DRIVER" env-default:"pgx"`
	SQLDSN    string `yaml:"sql_dsn" env:"NYP_SOURCES_DSN"`
}

type Entitlement struct {
	Threshold string `yaml:"threshold" env:"NYP_UNLOCK_THRESHOLD" env-default:"1000"`
}

type Agreements struct {
	DefaultTTLMinutes int `yaml:"default_ttl_minutes" env:"NYP_TOKEN_TTL_MINUTES" env-default:"30"`
}

// Notify configures outgoing event webhooks. An empty URL disables them.
type Notify struct {
	WebhookURL    string        `yaml:"webhook_url" env:"NYP_WEBHOOK_URL"`
	WebhookSecret string        `yaml:"webhook_secret" env:"NYP_WEBHOOK_SECRET"`
	Timeout       time.Duration `yaml:"timeout" env-default:"5s"`
}

func (e Entitlement) ThresholdAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(e.Threshold))
}

// MustLoad reads the config path from the -config flag or CONFIG_PATH. Without
// either, configuration comes from the environment alone.
func MustLoad() *Config {
	path := fetchConfigPath()
	cfg, err := Load(path)
	if err != nil {
		panic("failed to read config: " + err.Error())
	}
	return cfg
}

func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
