package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	AdminKey    string `mapstructure:"ADMIN_KEY"`
	CORSAllowed string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	PostmarkURL   string `mapstructure:"POSTMARK_URL"`
	PostmarkToken string `mapstructure:"POSTMARK_SERVER_TOKEN"`
	FromEmail     string `mapstructure:"FROM_EMAIL"`
	FieldOpsURL   string `mapstructure:"FIELD_OPS_URL"`

	WorkerPollInterval time.Duration `mapstructure:"WORKER_POLL_INTERVAL"`
	WorkerBatchSize    int           `mapstructure:"WORKER_BATCH_SIZE"`

	SlaAssignmentHours int `mapstructure:"SLA_ASSIGNMENT_HOURS"`
	SlaOnsiteHours     int `mapstructure:"SLA_ONSITE_HOURS"`
	SlaResolutionHours int `mapstructure:"SLA_RESOLUTION_HOURS"`

	TokenTTL time.Duration `mapstructure:"TOKEN_TTL"`

	ConfidenceAutoOpen   int `mapstructure:"CONFIDENCE_AUTO_OPEN"`
	ConfidenceDraftFloor int `mapstructure:"CONFIDENCE_DRAFT_FLOOR"`

	// DEDUP_POLICY is "complaint_id" or "tuple".
	DedupPolicy string `mapstructure:"DEDUP_POLICY"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("POSTMARK_URL", "https://api.postmarkapp.com/email")
	v.SetDefault("FIELD_OPS_URL", "http://localhost:3000")
	v.SetDefault("WORKER_POLL_INTERVAL", "60s")
	v.SetDefault("WORKER_BATCH_SIZE", 10)
	v.SetDefault("SLA_ASSIGNMENT_HOURS", 4)
	v.SetDefault("SLA_ONSITE_HOURS", 24)
	v.SetDefault("SLA_RESOLUTION_HOURS", 48)
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("CONFIDENCE_AUTO_OPEN", 95)
	v.SetDefault("CONFIDENCE_DRAFT_FLOOR", 80)
	v.SetDefault("DEDUP_POLICY", "complaint_id")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
