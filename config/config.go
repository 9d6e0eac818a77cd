package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"mailfollow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type AIConfig struct {
	Provider     string `json:"provider"` // openai, gemini
	OpenAIAPIKey string `json:"-"`
	OpenAIAPIURL string `json:"openai_api_url"`
	OpenAIModel  string `json:"openai_model"`
	GeminiAPIKey string `json:"-"`
	GeminiModel  string `json:"gemini_model"`
}

// SchedulerConfig holds the worker loop and retry policy knobs
type SchedulerConfig struct {
	Interval          time.Duration   `json:"interval"`
	BatchSize         int             `json:"batch_size"`
	MaxRetries        int             `json:"max_retries"`
	RetryDelays       []time.Duration `json:"retry_delays"`
	SequenceInterval  time.Duration   `json:"sequence_interval"`
	ReplyPollInterval time.Duration   `json:"reply_poll_interval"`
}

type Config struct {
	Environment    string          `json:"environment"`
	ServerPort     string          `json:"server_port"`
	CORSOrigins    []string        `json:"cors_origins"`
	EncryptionKey  string          `json:"-"`
	JWTSecret      string          `json:"-"`
	DBHost         string          `json:"db_host"`
	DBPort         string          `json:"db_port"`
	DBUser         string          `json:"db_user"`
	DBPassword     string          `json:"-"`
	DBName         string          `json:"db_name"`
	DBSSLMode      string          `json:"db_ssl_mode"`
	DBMaxIdleConns int             `json:"db_max_idle_conns"`
	DBMaxOpenConns int             `json:"db_max_open_conns"`
	Redis          RedisConfig     `json:"redis"`
	RateLimitSend  int             `json:"rate_limit_send"`
	Google         OAuthConfig     `json:"google"`
	ResendAPIURL   string          `json:"resend_api_url"`
	AI             AIConfig        `json:"ai"`
	Scheduler      SchedulerConfig `json:"scheduler"`
	SentryDSN      string          `json:"-"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	cfg, err := FromEnv()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// FromEnv builds and validates a Config from the environment.
func FromEnv() (Config, error) {
	cfg := Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		CORSOrigins:    strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailfollow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimitSend: getEnvAsInt("RATE_LIMIT_SEND_PER_MINUTE", 10),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		ResendAPIURL: getEnv("RESEND_API_URL", "https://api.resend.com"),
		AI: AIConfig{
			Provider:     getEnv("AI_PROVIDER", "openai"),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			OpenAIAPIURL: getEnv("OPENAI_API_URL", "https://api.openai.com/v1"),
			OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
			GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		},
		Scheduler: SchedulerConfig{
			Interval:          time.Duration(getEnvAsInt("WORKER_INTERVAL_SECONDS", 300)) * time.Second,
			BatchSize:         getEnvAsInt("WORKER_BATCH_SIZE", 50),
			MaxRetries:        getEnvAsInt("FOLLOWUP_MAX_RETRIES", 3),
			SequenceInterval:  time.Duration(getEnvAsInt("SEQUENCE_INTERVAL_SECONDS", 300)) * time.Second,
			ReplyPollInterval: time.Duration(getEnvAsInt("REPLY_POLL_INTERVAL_SECONDS", 300)) * time.Second,
		},
		SentryDSN: getEnv("SENTRY_DSN", ""),
	}
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.EncryptionKey)

	delays, err := parseSeconds(getEnv("FOLLOWUP_RETRY_DELAYS", "60,300,900"))
	if err != nil {
		return cfg, fmt.Errorf("FOLLOWUP_RETRY_DELAYS: %w", err)
	}
	cfg.Scheduler.RetryDelays = delays

	// Validate required configurations
	if cfg.DBPassword == "" {
		return cfg, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.EncryptionKey == "" {
		return cfg, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the scheduler knobs are usable together.
func (s SchedulerConfig) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("WORKER_INTERVAL_SECONDS must be positive")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("FOLLOWUP_MAX_RETRIES must not be negative")
	}
	if len(s.RetryDelays) < s.MaxRetries {
		return fmt.Errorf("FOLLOWUP_RETRY_DELAYS needs at least %d entries, got %d", s.MaxRetries, len(s.RetryDelays))
	}
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Connected to the database, migrating...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

// parseSeconds turns "60,300,900" into durations.
func parseSeconds(list string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid delay %q", part)
		}
		out = append(out, time.Duration(n)*time.Second)
	}
	return out, nil
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Scheduler: interval=%s batch=%d retries=%d delays=%v",
		AppConfig.Scheduler.Interval,
		AppConfig.Scheduler.BatchSize,
		AppConfig.Scheduler.MaxRetries,
		AppConfig.Scheduler.RetryDelays)
	log.Printf("AI provider: %s, Redis: %t, Gmail OAuth client: %t",
		AppConfig.AI.Provider,
		AppConfig.Redis.Enabled,
		AppConfig.Google.ClientID != "")
}

func migrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.UserSettings{},
		&models.Connection{},
		&models.FollowUpJob{},
		&models.DeliveryAttempt{},
		&models.Reply{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
	); err != nil {
		return err
	}

	// At most one active enrollment per recipient and sequence, even when two
	// starts race past the application check.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active_recipient
		ON sequence_enrollments (sequence_id, lower(recipient_email))
		WHERE status = 'active' AND deleted_at IS NULL`).Error
}
