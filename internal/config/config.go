package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port     string `mapstructure:"port"`
		Env      string `mapstructure:"env"`
		LogLevel string `mapstructure:"logLevel"`
	} `mapstructure:"app"`
	Server struct {
		ReadTimeout     time.Duration `mapstructure:"readTimeout"`
		WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"server"`
	Database struct {
		DSN string `mapstructure:"dsn"` // пустая строка: реестр в памяти
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers          []string `mapstructure:"brokers"`
		EntitlementTopic string   `mapstructure:"entitlementTopic"`
		UsageTopic       string   `mapstructure:"usageTopic"`
	} `mapstructure:"kafka"`
	Stripe struct {
		APIKey        string `mapstructure:"apiKey"`
		WebhookSecret string `mapstructure:"webhookSecret"`
		PriceID       string `mapstructure:"priceId"`
		SuccessURL    string `mapstructure:"successUrl"`
		CancelURL     string `mapstructure:"cancelUrl"`
	} `mapstructure:"stripe"`
	OpenAI struct {
		APIKey       string `mapstructure:"apiKey"`
		Model        string `mapstructure:"model"`
		BaseURL      string `mapstructure:"baseUrl"`
		MaxTokens    int    `mapstructure:"maxTokens"`
		SystemPrompt string `mapstructure:"systemPrompt"`
	} `mapstructure:"openai"`
	Telegram struct {
		BotToken      string `mapstructure:"botToken"`
		APIURL        string `mapstructure:"apiUrl"`
		WebhookSecret string `mapstructure:"webhookSecret"` // сверяется с X-Telegram-Bot-Api-Secret-Token
		WebhookURL    string `mapstructure:"webhookUrl"`    // если задан, webhook регистрируется при старте
	} `mapstructure:"telegram"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Quota struct {
		DailyFreeLimit      int           `mapstructure:"dailyFreeLimit"`
		MonthlyTokenCeiling int64         `mapstructure:"monthlyTokenCeiling"`
		MonthlyWindow       time.Duration `mapstructure:"monthlyWindow"`
		Timezone            string        `mapstructure:"timezone"`
		AITimeout           time.Duration `mapstructure:"aiTimeout"`
	} `mapstructure:"quota"`
	Checkout struct {
		LockTTL time.Duration `mapstructure:"lockTtl"`
	} `mapstructure:"checkout"`
}

// IsProduction сообщает, запущено ли приложение в production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// Location возвращает часовой пояс учета
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Quota.Timezone)
}

// Validate проверяет значения, без которых сервис работать не может.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Port == "" {
		errs = append(errs, errors.New("app.port is empty"))
	}
	if c.Quota.DailyFreeLimit <= 0 {
		errs = append(errs, fmt.Errorf("quota.dailyFreeLimit must be positive, got %d", c.Quota.DailyFreeLimit))
	}
	if c.Quota.MonthlyTokenCeiling <= 0 {
		errs = append(errs, fmt.Errorf("quota.monthlyTokenCeiling must be positive, got %d", c.Quota.MonthlyTokenCeiling))
	}
	if c.Quota.MonthlyWindow <= 0 {
		errs = append(errs, fmt.Errorf("quota.monthlyWindow must be positive, got %s", c.Quota.MonthlyWindow))
	}
	if c.Quota.AITimeout <= 0 {
		errs = append(errs, fmt.Errorf("quota.aiTimeout must be positive, got %s", c.Quota.AITimeout))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("quota.timezone: %w", err))
	}
	if c.Telegram.BotToken != "" && c.Telegram.WebhookSecret == "" {
		errs = append(errs, errors.New("telegram.webhookSecret is required when telegram.botToken is set"))
	}
	if c.IsProduction() {
		if c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("stripe.webhookSecret is required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwtSecret is required in production"))
		}
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.logLevel", "info")

	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 60*time.Second)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)

	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.entitlementTopic", "premium.entitlement_changed")
	v.SetDefault("kafka.usageTopic", "premium.usage_recorded")

	v.SetDefault("stripe.apiKey", "")
	v.SetDefault("stripe.webhookSecret", "")
	v.SetDefault("stripe.priceId", "")
	v.SetDefault("stripe.successUrl", "https://t.me")
	v.SetDefault("stripe.cancelUrl", "https://t.me")

	v.SetDefault("openai.apiKey", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("openai.maxTokens", 1024)
	v.SetDefault("openai.systemPrompt", "")

	v.SetDefault("telegram.botToken", "")
	v.SetDefault("telegram.apiUrl", "https://api.telegram.org")
	v.SetDefault("telegram.webhookSecret", "")
	v.SetDefault("telegram.webhookUrl", "")

	v.SetDefault("auth.jwtSecret", "")

	v.SetDefault("quota.dailyFreeLimit", 3)
	v.SetDefault("quota.monthlyTokenCeiling", 3_000_000)
	v.SetDefault("quota.monthlyWindow", 720*time.Hour)
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("quota.aiTimeout", 30*time.Second)

	v.SetDefault("checkout.lockTtl", time.Minute)
}

// LoadConfig загружает конфигурацию из файла config.yaml (если есть) и переменных окружения.
// path указывает на .env, который читается вне production.
// Переменные окружения именуются по ключам: app.port -> APP_PORT.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" && path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // Чтение переменных окружения

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// список брокеров из окружения приходит одной строкой
	if len(config.Kafka.Brokers) == 1 && strings.Contains(config.Kafka.Brokers[0], ",") {
		config.Kafka.Brokers = strings.Split(config.Kafka.Brokers[0], ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
