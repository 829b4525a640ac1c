package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultJWTExpiresIn     = "24h"
	DefaultDatabaseDriver   = "sqlite3"
	DefaultSQLiteDSN        = "data/omnicore.db"
	DefaultAMQPExchange     = "crm"
	DefaultAlertExchange    = "ops"
	DefaultLLMModel         = "gemini-2.5-flash"
	DefaultLLMTimeout       = 30
	DefaultHistoryTurns     = 10
	DefaultKnowledgeLimit   = 3
	DefaultQdrantHost       = "127.0.0.1"
	DefaultQdrantPort       = 6334
	DefaultQdrantCollection = "knowledge"
	DefaultDrainSchedule    = "@every 5s"
	DefaultRetryMaxAttempts = 3
	DefaultRetryBackoff     = 10
	DefaultInboundQueueSize = 256
	DefaultInboundWorkers   = 4
	DefaultTenantCacheTTL   = 300
	DefaultFuzzyMatch       = "attach"
	DefaultPaymentWindow    = 15
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Admin     AdminConfig     `toml:"admin"`
	Auth      AuthConfig      `toml:"auth"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	AMQP      AMQPConfig      `toml:"amqp"`
	LLM       LLMConfig       `toml:"llm"`
	Identity  IdentityConfig  `toml:"identity"`
	Assembler AssemblerConfig `toml:"assembler"`
	Persona   PersonaConfig   `toml:"persona"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Qdrant    QdrantConfig    `toml:"qdrant"`
	Retry     RetryConfig     `toml:"retry"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Inbound   InboundConfig   `toml:"inbound"`
	WhatsApp  TwilioConfig    `toml:"whatsapp"`
	SMS       TwilioConfig    `toml:"sms"`
	Instagram InstagramConfig `toml:"instagram"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Web       WebConfig       `toml:"web"`
	Email     EmailConfig     `toml:"email"`
	Payments  PaymentsConfig  `toml:"payments"`
	Tenants   []TenantConfig  `toml:"tenants"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type AdminConfig struct {
	Username string `toml:"username"`
	// PasswordHash is a bcrypt hash. Password is accepted for local setups and hashed at startup.
	PasswordHash string `toml:"password_hash"`
	Password     string `toml:"password"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

func (c AuthConfig) ExpiresIn() time.Duration {
	d, err := time.ParseDuration(c.JWTExpiresIn)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJWTExpiresIn)
	}
	return d
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "pgx".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	// FieldKey is a hex encoded 32 byte key for at-rest field encryption. Empty disables encryption.
	FieldKey string `toml:"field_key"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type AMQPConfig struct {
	URL           string `toml:"url"`
	Exchange      string `toml:"exchange"`
	AlertExchange string `toml:"alert_exchange"`
	DialAttempts  int    `toml:"dial_attempts"`
}

type LLMConfig struct {
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	// TranscribeModel handles voice notes. Defaults to Model.
	TranscribeModel string `toml:"transcribe_model"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type IdentityConfig struct {
	// FuzzyMatch is "attach", "suggest" or "off".
	FuzzyMatch    string `toml:"fuzzy_match"`
	SerializeTurn bool   `toml:"serialize_turns"`
}

type AssemblerConfig struct {
	HistoryTurns   int `toml:"history_turns"`
	KnowledgeLimit int `toml:"knowledge_limit"`
}

type PersonaConfig struct {
	File string `toml:"file"`
}

type KnowledgeConfig struct {
	// Backend is "sql" or "qdrant".
	Backend string `toml:"backend"`
}

type QdrantConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	APIKey         string `toml:"api_key"`
	UseTLS         bool   `toml:"use_tls"`
	Collection     string `toml:"collection"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type RetryConfig struct {
	DrainSchedule  string `toml:"drain_schedule"`
	MaxAttempts    int    `toml:"max_attempts"`
	BackoffSeconds int    `toml:"backoff_seconds"`
}

func (c RetryConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

type DispatchConfig struct {
	DirectAttempts int `toml:"direct_attempts"`
	BackoffMs      int `toml:"backoff_ms"`
}

type InboundConfig struct {
	QueueSize int `toml:"queue_size"`
	Workers   int `toml:"workers"`
	// TenantCacheTTLSeconds bounds how long a channel binding stays cached.
	TenantCacheTTLSeconds int `toml:"tenant_cache_ttl_seconds"`
}

type TwilioConfig struct {
	AccountSID string `toml:"account_sid"`
	AuthToken  string `toml:"auth_token"`
	From       string `toml:"from"`
	BaseURL    string `toml:"base_url"`
	// PublicURL is the externally visible webhook URL used for signature checks.
	PublicURL string `toml:"public_url"`
}

func (c TwilioConfig) Enabled() bool { return c.AccountSID != "" && c.AuthToken != "" }

type InstagramConfig struct {
	PageAccessToken string `toml:"page_access_token"`
	VerifyToken     string `toml:"verify_token"`
	// AppSecret signs webhook bodies (X-Hub-Signature-256). Empty skips the check.
	AppSecret string `toml:"app_secret"`
	GraphURL  string `toml:"graph_url"`
}

type TelegramConfig struct {
	BotToken      string `toml:"bot_token"`
	WebhookSecret string `toml:"webhook_secret"`
}

type WebConfig struct {
	// Hub is "memory" or "redis".
	Hub string `toml:"hub"`
	// IdentitySecret signs visitor emails on the clinic site; empty leaves
	// every widget email unverified.
	IdentitySecret string `toml:"identity_secret"`
}

type EmailConfig struct {
	// Provider is "smtp" or "mailgun". Empty disables the email fallback.
	Provider     string `toml:"provider"`
	From         string `toml:"from"`
	Subject      string `toml:"subject"`
	SMTPHost     string `toml:"smtp_host"`
	SMTPPort     int    `toml:"smtp_port"`
	SMTPSecurity string `toml:"smtp_security"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	MailgunKey   string `toml:"mailgun_api_key"`
	MailgunHost  string `toml:"mailgun_domain"`
	MailgunEU    bool   `toml:"mailgun_eu"`
}

type PaymentsConfig struct {
	LinkTemplate  string `toml:"link_template"`
	Currency      string `toml:"currency"`
	WindowMinutes int    `toml:"window_minutes"`
}

type TenantConfig struct {
	ID       string          `toml:"id"`
	Name     string          `toml:"name"`
	Bindings []BindingConfig `toml:"bindings"`
}

type BindingConfig struct {
	Channel    string `toml:"channel"`
	ReceiverID string `toml:"receiver_id"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Database: DatabaseConfig{
			Driver: DefaultDatabaseDriver,
			DSN:    DefaultSQLiteDSN,
		},
		AMQP: AMQPConfig{
			Exchange:      DefaultAMQPExchange,
			AlertExchange: DefaultAlertExchange,
			DialAttempts:  5,
		},
		LLM: LLMConfig{
			Model:          DefaultLLMModel,
			TimeoutSeconds: DefaultLLMTimeout,
		},
		Identity: IdentityConfig{
			FuzzyMatch:    DefaultFuzzyMatch,
			SerializeTurn: true,
		},
		Assembler: AssemblerConfig{
			HistoryTurns:   DefaultHistoryTurns,
			KnowledgeLimit: DefaultKnowledgeLimit,
		},
		Knowledge: KnowledgeConfig{
			Backend: "sql",
		},
		Qdrant: QdrantConfig{
			Host:           DefaultQdrantHost,
			Port:           DefaultQdrantPort,
			Collection:     DefaultQdrantCollection,
			TimeoutSeconds: 5,
		},
		Retry: RetryConfig{
			DrainSchedule:  DefaultDrainSchedule,
			MaxAttempts:    DefaultRetryMaxAttempts,
			BackoffSeconds: DefaultRetryBackoff,
		},
		Dispatch: DispatchConfig{
			DirectAttempts: 1,
			BackoffMs:      500,
		},
		Inbound: InboundConfig{
			QueueSize:             DefaultInboundQueueSize,
			Workers:               DefaultInboundWorkers,
			TenantCacheTTLSeconds: DefaultTenantCacheTTL,
		},
		Web: WebConfig{
			Hub: "memory",
		},
		Email: EmailConfig{
			Subject:      "Reply to your message",
			SMTPPort:     587,
			SMTPSecurity: "starttls",
		},
		Payments: PaymentsConfig{
			Currency:      "EUR",
			WindowMinutes: DefaultPaymentWindow,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
