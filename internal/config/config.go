package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	// Workflow and reporting gates.
	RequiredSignatureRoles []string `mapstructure:"REQUIRED_SIGNATURE_ROLES"`
	FinalizeSignerRole     string   `mapstructure:"FINALIZE_SIGNER_ROLE"`
	SignatureOnFileRoles   []string `mapstructure:"SIGNATURE_ON_FILE_ROLES"`
	SignatureSecret        string   `mapstructure:"SIGNATURE_SECRET"`
	RequireQCPass          bool     `mapstructure:"REQUIRE_QC_PASS"`
	ReportSampleStatusGate string   `mapstructure:"REPORT_SAMPLE_STATUS_GATE"`
	ReportType             string   `mapstructure:"REPORT_TYPE"`
	ReportNumberPrefix     string   `mapstructure:"REPORT_NUMBER_PREFIX"`
	ReportAutoGenerate     bool     `mapstructure:"REPORT_AUTO_GENERATE"`
	QCR4SScope             string   `mapstructure:"QC_R4S_SCOPE"`
	PermissionsFile        string   `mapstructure:"PERMISSIONS_FILE"`

	// PDF storage.
	BlobDriver      string `mapstructure:"BLOB_DRIVER"`
	BlobFSRoot      string `mapstructure:"BLOB_FS_ROOT"`
	BlobS3Bucket    string `mapstructure:"BLOB_S3_BUCKET"`
	BlobS3Region    string `mapstructure:"BLOB_S3_REGION"`
	BlobS3Endpoint  string `mapstructure:"BLOB_S3_ENDPOINT"`
	BlobS3PathStyle bool   `mapstructure:"BLOB_S3_PATH_STYLE"`

	// Background workers.
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	AuditBuffer        int           `mapstructure:"AUDIT_BUFFER"`
}

var listKeys = []string{"CORS_ORIGINS", "REQUIRED_SIGNATURE_ROLES", "SIGNATURE_ON_FILE_ROLES"}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUIRED_SIGNATURE_ROLES", "OM,LH")
	v.SetDefault("FINALIZE_SIGNER_ROLE", "LH")
	v.SetDefault("SIGNATURE_ON_FILE_ROLES", "LH")
	v.SetDefault("REQUIRE_QC_PASS", true)
	v.SetDefault("REPORT_SAMPLE_STATUS_GATE", "validated")
	v.SetDefault("REPORT_TYPE", "final")
	v.SetDefault("REPORT_NUMBER_PREFIX", "LAB")
	v.SetDefault("REPORT_AUTO_GENERATE", true)
	v.SetDefault("QC_R4S_SCOPE", "control")
	v.SetDefault("BLOB_DRIVER", "fs")
	v.SetDefault("BLOB_FS_ROOT", "./blobdata")
	v.SetDefault("BLOB_S3_REGION", "us-east-1")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 25)
	v.SetDefault("AUDIT_BUFFER", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
		"REQUIRED_SIGNATURE_ROLES", "FINALIZE_SIGNER_ROLE", "SIGNATURE_ON_FILE_ROLES",
		"SIGNATURE_SECRET", "REQUIRE_QC_PASS", "REPORT_SAMPLE_STATUS_GATE", "REPORT_TYPE",
		"REPORT_NUMBER_PREFIX", "REPORT_AUTO_GENERATE", "QC_R4S_SCOPE", "PERMISSIONS_FILE",
		"BLOB_DRIVER", "BLOB_FS_ROOT", "BLOB_S3_BUCKET", "BLOB_S3_REGION", "BLOB_S3_ENDPOINT",
		"BLOB_S3_PATH_STYLE", "OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "AUDIT_BUFFER",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated env values arrive as a single element.
	for _, key := range listKeys {
		list := splitList(v.GetString(key))
		switch key {
		case "CORS_ORIGINS":
			cfg.CORSOrigins = list
		case "REQUIRED_SIGNATURE_ROLES":
			cfg.RequiredSignatureRoles = list
		case "SIGNATURE_ON_FILE_ROLES":
			cfg.SignatureOnFileRoles = list
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: LIMS server running in DEVELOPMENT mode (ENV=development); all requests get ADMIN access.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.SignatureSecret == "" {
		return fmt.Errorf("SIGNATURE_SECRET is required in production")
	}
	if len(c.RequiredSignatureRoles) == 0 {
		return fmt.Errorf("REQUIRED_SIGNATURE_ROLES must list at least one role")
	}
	if !contains(c.RequiredSignatureRoles, c.FinalizeSignerRole) {
		return fmt.Errorf("FINALIZE_SIGNER_ROLE %q is not one of REQUIRED_SIGNATURE_ROLES %v",
			c.FinalizeSignerRole, c.RequiredSignatureRoles)
	}
	switch c.QCR4SScope {
	case "control", "batch":
	default:
		return fmt.Errorf("QC_R4S_SCOPE must be \"control\" or \"batch\", got %q", c.QCR4SScope)
	}
	switch c.BlobDriver {
	case "fs", "memory":
	case "s3":
		if c.BlobS3Bucket == "" {
			return fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_DRIVER is s3")
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be fs, s3 or memory, got %q", c.BlobDriver)
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
