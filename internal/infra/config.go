package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/spaceai-governance-kernel/internal/masking"
	"github.com/xela07ax/spaceai-governance-kernel/internal/risk"
)

// Config — корневая структура конфигурации ядра.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Masking  MaskingConfig  `mapstructure:"masking"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"` // 0 — gRPC вход выключен
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — без Postgres.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// SQLiteConfig — локальный flight recorder. Пустой путь — отключен.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналов). Пустой addr — один инстанс.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Issuer         string        `mapstructure:"issuer"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для `uag token`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig — параметры ядра, не входящие в политику.
type EngineConfig struct {
	RateWindow   time.Duration `mapstructure:"rate_window"`
	PerAgentRate bool          `mapstructure:"per_agent_rate"`
	HistoryLimit int           `mapstructure:"history_limit"`

	// lt|lte для уверенности, gt|gte для дрейфа
	ConfidenceComparator string `mapstructure:"confidence_comparator"`
	DriftComparator      string `mapstructure:"drift_comparator"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	AuditRetention     int           `mapstructure:"audit_retention"`

	// Ключ blake2b для хэширования идентификаторов в аудите (1..64 байт)
	HashKey string `mapstructure:"hash_key"`
}

// ExecutorConfig — защита вызовов к целевым системам в шлюзе
type ExecutorConfig struct {
	// "mock" или "grpc"
	Kind        string        `mapstructure:"kind"`
	Target      string        `mapstructure:"target"`
	Method      string        `mapstructure:"method"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"`
	Burst       int           `mapstructure:"burst"`
	Attempts    uint          `mapstructure:"attempts"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	CBFailures  uint32        `mapstructure:"cb_failures"`
	CBTimeout   time.Duration `mapstructure:"cb_timeout"`
}

// PolicyConfig — откуда брать документ политик: "file" или "postgres"
type PolicyConfig struct {
	Source string `mapstructure:"source"`
	Path   string `mapstructure:"path"`
}

// MaskingConfig — ребра Constraint Graph
type MaskingConfig struct {
	// "omit" (по умолчанию) или "placeholder"
	Unreachable string         `mapstructure:"unreachable"`
	Rules       []masking.Rule `mapstructure:"rules"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Пустой configFile — поиск config.yaml в . и ./configs.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: ENGINE_RATE_WINDOW=30s перекроет engine.rate_window
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из ENV (Docker/K8s) или из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("engine.rate_window", time.Minute)
	v.SetDefault("engine.per_agent_rate", true)
	v.SetDefault("engine.history_limit", 1000)
	v.SetDefault("engine.confidence_comparator", string(risk.LessThan))
	v.SetDefault("engine.drift_comparator", string(risk.GreaterThan))
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.audit_retention", 100000)

	v.SetDefault("executor.kind", "mock")
	v.SetDefault("executor.rate_per_sec", 100)
	v.SetDefault("executor.burst", 20)
	v.SetDefault("executor.attempts", 3)
	v.SetDefault("executor.call_timeout", 10*time.Second)
	v.SetDefault("executor.cb_failures", 5)
	v.SetDefault("executor.cb_timeout", 30*time.Second)

	v.SetDefault("policy.source", "file")
	v.SetDefault("policy.path", "configs/policies.yaml")

	v.SetDefault("masking.unreachable", "omit")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate отсекает ошибки конфигурации до старта сервиса
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Enabled && len(c.Auth.PublicKey) == 0 {
		errs = append(errs, errors.New("auth: public key is required when auth is enabled"))
	}
	if _, err := risk.ParseComparator(c.Engine.ConfidenceComparator); err != nil {
		errs = append(errs, fmt.Errorf("engine.confidence_comparator: %w", err))
	}
	if _, err := risk.ParseComparator(c.Engine.DriftComparator); err != nil {
		errs = append(errs, fmt.Errorf("engine.drift_comparator: %w", err))
	}
	if n := len(c.Engine.HashKey); n > 64 {
		errs = append(errs, fmt.Errorf("engine.hash_key: must be at most 64 bytes, got %d", n))
	}
	switch c.Masking.Unreachable {
	case "", "omit", "placeholder":
	default:
		errs = append(errs, fmt.Errorf("masking.unreachable: unknown mode %q", c.Masking.Unreachable))
	}
	switch c.Policy.Source {
	case "file":
		if c.Policy.Path == "" {
			errs = append(errs, errors.New("policy.path is required for file source"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres policy source"))
		}
	default:
		errs = append(errs, fmt.Errorf("policy.source: unknown source %q", c.Policy.Source))
	}
	switch c.Executor.Kind {
	case "mock":
	case "grpc":
		if c.Executor.Target == "" {
			errs = append(errs, errors.New("executor.target is required for grpc executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.kind: unknown kind %q", c.Executor.Kind))
	}
	return errors.Join(errs...)
}

// MaskingGraph собирает Constraint Graph из правил конфигурации
func (c *Config) MaskingGraph() (*masking.Graph, error) {
	var opts []masking.Option
	if c.Masking.Unreachable == "placeholder" {
		opts = append(opts, masking.WithPlaceholder())
	}
	return masking.FromRules(c.Masking.Rules, opts...)
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
