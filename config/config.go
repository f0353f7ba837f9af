package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dripflow/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

type IMAPConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	Mailbox    string `json:"mailbox"`
	Encryption string `json:"encryption"` // SSL, STARTTLS, NONE
}

type SequencerConfig struct {
	PollInterval  time.Duration `json:"poll_interval"`
	BatchSize     int           `json:"batch_size"`
	Workers       int           `json:"workers"`
	MaxAttempts   int           `json:"max_attempts"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryCap      time.Duration `json:"retry_cap"`
	SendTimeout   time.Duration `json:"send_timeout"`
	BouncePoll    time.Duration `json:"bounce_poll"`
	CatalogPath   string        `json:"catalog_path"`
}

type Config struct {
	Environment      string          `json:"environment"`
	ServerPort       string          `json:"server_port"`
	DBHost           string          `json:"db_host"`
	DBPort           string          `json:"db_port"`
	DBUser           string          `json:"db_user"`
	DBPassword       string          `json:"-"`
	DBName           string          `json:"db_name"`
	DBSSLMode        string          `json:"db_ssl_mode"`
	DBMaxIdleConns   int             `json:"db_max_idle_conns"`
	DBMaxOpenConns   int             `json:"db_max_open_conns"`
	ServiceJWTSecret string          `json:"-"`
	SentryDSN        string          `json:"-"`
	RateLimitTrigger int             `json:"rate_limit_trigger"`
	Redis            RedisConfig     `json:"redis"`
	SMTP             SMTPConfig      `json:"smtp"`
	IMAP             IMAPConfig      `json:"imap"`
	Sequencer        SequencerConfig `json:"sequencer"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "dripflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", ""),
		SentryDSN:        getEnv("SENTRY_DSN", ""),
		RateLimitTrigger: getEnvAsInt("RATE_LIMIT_TRIGGER", 60),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ADDRESS", "") != "",
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM_EMAIL", "hello@dripflow.local"),
			FromName:  getEnv("SMTP_FROM_NAME", "Dripflow"),
		},

		IMAP: IMAPConfig{
			Enabled:    getEnv("IMAP_HOST", "") != "",
			Host:       getEnv("IMAP_HOST", ""),
			Port:       getEnvAsInt("IMAP_PORT", 993),
			Username:   getEnv("IMAP_USERNAME", ""),
			Password:   getEnv("IMAP_PASSWORD", ""),
			Mailbox:    getEnv("IMAP_MAILBOX", "INBOX"),
			Encryption: getEnv("IMAP_ENCRYPTION", "SSL"),
		},

		Sequencer: SequencerConfig{
			PollInterval: getEnvAsDuration("SEQUENCER_POLL_INTERVAL", 15*time.Second),
			BatchSize:    getEnvAsInt("SEQUENCER_BATCH_SIZE", 100),
			Workers:      getEnvAsInt("SEQUENCER_WORKERS", 8),
			MaxAttempts:  getEnvAsInt("SEQUENCER_MAX_ATTEMPTS", 5),
			RetryBase:    getEnvAsDuration("SEQUENCER_RETRY_BASE", time.Minute),
			RetryCap:     getEnvAsDuration("SEQUENCER_RETRY_CAP", time.Hour),
			SendTimeout:  getEnvAsDuration("SEQUENCER_SEND_TIMEOUT", 30*time.Second),
			BouncePoll:   getEnvAsDuration("BOUNCE_POLL_INTERVAL", 5*time.Minute),
			CatalogPath:  getEnv("CATALOG_PATH", ""),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.ServiceJWTSecret == "" {
		return fmt.Errorf("SERVICE_JWT_SECRET is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.SMTP.Username == "" || AppConfig.SMTP.Password == "" {
			return fmt.Errorf("SMTP credentials are required in production")
		}
	}

	logConfig()
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
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
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

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// MigrateDB creates the sequencer schema. Exported so tests can run the same
// migration against their own database handle.
func MigrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.SequenceInstance{},
		&models.StepExecution{},
		&models.Bounce{},
		&models.Unsubscribe{},
		&models.ReconciliationItem{},
	); err != nil {
		return err
	}

	// At most one active instance per (subject, campaign kind). Partial
	// indexes are postgres-only; other dialects rely on the serialized
	// check inside the create transaction.
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec(`
            CREATE UNIQUE INDEX IF NOT EXISTS uni_active_subject_campaign
            ON sequence_instances (subject_id, campaign_kind)
            WHERE status = 'active' AND deleted_at IS NULL
        `).Error; err != nil {
			return fmt.Errorf("failed to create active-instance index: %w", err)
		}
	}

	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
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
	log.Printf("Scheduler: poll=%s workers=%d maxAttempts=%d",
		AppConfig.Sequencer.PollInterval,
		AppConfig.Sequencer.Workers,
		AppConfig.Sequencer.MaxAttempts)
	log.Printf("Bounce mailbox polling: %t", AppConfig.IMAP.Enabled)
}
