package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dnl0037/db-migrations/internal/model"
)

const (
	CurrentVersion = 1
	DefaultPath    = "~/.dbmigrate/dbmigrate.yaml"
)

// Config is the top-level configuration.
type Config struct {
	Version   int             `yaml:"version"`
	EnvFile   string          `yaml:"env_file,omitempty"`
	Source    SourceConfig    `yaml:"source"`
	Target    TargetConfig    `yaml:"target"`
	Migration MigrationConfig `yaml:"migration"`
	Report    ReportConfig    `yaml:"report,omitempty"`
	Logging   LogConfig       `yaml:"logging,omitempty"`
}

// SourceConfig defines the dirty source database connection.
type SourceConfig struct {
	Type                string  `yaml:"type"` // postgresql, sqlite or oracle
	Host                string  `yaml:"host,omitempty"`
	Port                int     `yaml:"port,omitempty"`
	Database            string  `yaml:"database,omitempty"`
	Schema              string  `yaml:"schema,omitempty"`
	Username            string  `yaml:"username,omitempty"`
	Password            string  `yaml:"password,omitempty"`
	SSL                 bool    `yaml:"ssl,omitempty"`
	Path                string  `yaml:"path,omitempty"` // sqlite file
	DSN                 string  `yaml:"dsn,omitempty"`  // overrides the fields above
	MaxConnections      int     `yaml:"max_connections,omitempty"`
	MaxBatchesPerSecond float64 `yaml:"max_batches_per_second,omitempty"`
}

// TargetConfig defines the normalized target store.
type TargetConfig struct {
	Type             string `yaml:"type"` // postgresql, sqlite or mongodb
	Host             string `yaml:"host,omitempty"`
	Port             int    `yaml:"port,omitempty"`
	Database         string `yaml:"database,omitempty"`
	Schema           string `yaml:"schema,omitempty"`
	Username         string `yaml:"username,omitempty"`
	Password         string `yaml:"password,omitempty"`
	SSL              bool   `yaml:"ssl,omitempty"`
	Path             string `yaml:"path,omitempty"`
	ConnectionString string `yaml:"connection_string,omitempty"`
	MaxConnections   int    `yaml:"max_connections,omitempty"`
}

// MigrationConfig controls one pipeline run.
type MigrationConfig struct {
	BatchSize   int            `yaml:"batch_size"`
	ClearTarget bool           `yaml:"clear_target"`
	EntityOrder []string       `yaml:"entity_order,omitempty"`
	MaxRetries  *int           `yaml:"max_retries,omitempty"`
	Retry       RetryConfig    `yaml:"retry,omitempty"`
	Prefetch    bool           `yaml:"prefetch,omitempty"`
	Formats     FormatConfig   `yaml:"formats,omitempty"`
	Defaults    DefaultsConfig `yaml:"defaults,omitempty"`
}

// RetryConfig is the bounded exponential backoff applied to batch I/O.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
	Multiplier      float64       `yaml:"multiplier,omitempty"`
}

// FormatConfig lists accepted Go time layouts per source date column.
type FormatConfig struct {
	RegistrationDate []string `yaml:"registration_date,omitempty"`
	ProductCreatedAt []string `yaml:"product_created_at,omitempty"`
	OrderDate        []string `yaml:"order_date,omitempty"`
}

// DefaultsConfig holds sentinel values substituted for absent optional fields.
type DefaultsConfig struct {
	RegistrationDate string `yaml:"registration_date,omitempty"` // RFC 3339
	Country          string `yaml:"country,omitempty"`
	Category         string `yaml:"category,omitempty"`
	Quantity         int    `yaml:"quantity,omitempty"`
	PasswordPrefix   string `yaml:"password_prefix,omitempty"`
}

// ReportConfig defines where run reports are written.
type ReportConfig struct {
	Directory string `yaml:"directory,omitempty"`
	Format    string `yaml:"format,omitempty"` // json, text or both
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`     // debug, info, warn, error
	Directory string `yaml:"directory,omitempty"` // default ~/.dbmigrate/logs/
}

// Load reads and parses the config file from the given path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	envFile := cfg.EnvFile
	if envFile == "" {
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrEnv loads the config file, falling back to OLD_DB_* / NEW_DB_*
// environment variables when no file exists.
func LoadOrEnv(path string) (*Config, error) {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := LoadEnvFile(".env"); err != nil {
			return nil, err
		}
		cfg, err := FromEnv()
		if err != nil {
			return nil, fmt.Errorf("no config at %s: %w", path, err)
		}
		return cfg, nil
	}
	return Load(path)
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment.
// Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// FromEnv builds a PostgreSQL-to-PostgreSQL config from environment variables.
func FromEnv() (*Config, error) {
	src, err := pgFromEnv("OLD_DB_")
	if err != nil {
		return nil, err
	}
	tgt, err := pgFromEnv("NEW_DB_")
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Version: CurrentVersion,
		Source: SourceConfig{
			Type:     "postgresql",
			Host:     hostOrLocal(src.host),
			Port:     src.port,
			Database: src.name,
			Username: src.user,
			Password: src.password,
		},
		Target: TargetConfig{
			Type:     "postgresql",
			Host:     hostOrLocal(tgt.host),
			Port:     tgt.port,
			Database: tgt.name,
			Username: tgt.user,
			Password: tgt.password,
		},
	}
	cfg.applyDefaults()
	return cfg, nil
}

type pgEnv struct {
	host, name, user, password string
	port                       int
}

func pgFromEnv(prefix string) (pgEnv, error) {
	e := pgEnv{
		host:     os.Getenv(prefix + "HOST"),
		name:     os.Getenv(prefix + "NAME"),
		user:     os.Getenv(prefix + "USER"),
		password: os.Getenv(prefix + "PASSWORD"),
		port:     5432,
	}
	if e.name == "" {
		return e, fmt.Errorf("environment variable %sNAME not set", prefix)
	}
	if p := os.Getenv(prefix + "PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return e, fmt.Errorf("invalid %sPORT %q: %w", prefix, p, err)
		}
		e.port = n
	}
	return e, nil
}

func hostOrLocal(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Default returns a config with every default applied and local SQLite stores.
func Default() *Config {
	cfg := &Config{
		Version: CurrentVersion,
		Source:  SourceConfig{Type: "sqlite", Path: "old.db"},
		Target:  TargetConfig{Type: "sqlite", Path: "new.db"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Source.MaxConnections == 0 {
		c.Source.MaxConnections = 4
	}
	if c.Source.Port == 0 {
		switch c.Source.Type {
		case "postgresql":
			c.Source.Port = 5432
		case "oracle":
			c.Source.Port = 1521
		}
	}
	if c.Target.Port == 0 && c.Target.Type == "postgresql" {
		c.Target.Port = 5432
	}
	if c.Target.MaxConnections == 0 {
		c.Target.MaxConnections = 4
	}

	m := &c.Migration
	if m.BatchSize == 0 {
		m.BatchSize = 500
	}
	if len(m.EntityOrder) == 0 {
		for _, e := range model.DefaultOrder {
			m.EntityOrder = append(m.EntityOrder, string(e))
		}
	}
	if m.MaxRetries == nil {
		n := 3
		m.MaxRetries = &n
	}
	if m.Retry.InitialInterval == 0 {
		m.Retry.InitialInterval = 500 * time.Millisecond
	}
	if m.Retry.MaxInterval == 0 {
		m.Retry.MaxInterval = 10 * time.Second
	}
	if m.Retry.Multiplier == 0 {
		m.Retry.Multiplier = 2
	}
	if len(m.Formats.RegistrationDate) == 0 {
		m.Formats.RegistrationDate = []string{"2006-01-02 15:04", "2006-01-02 15:04:05", "2006-01-02"}
	}
	if len(m.Formats.ProductCreatedAt) == 0 {
		m.Formats.ProductCreatedAt = []string{"02/01/2006", "2006-01-02", "2006-01-02 15:04"}
	}
	if len(m.Formats.OrderDate) == 0 {
		m.Formats.OrderDate = []string{"2006-01-02", "01/02/2006 03:04 PM", "2006-01-02 15:04:05"}
	}
	if m.Defaults.RegistrationDate == "" {
		m.Defaults.RegistrationDate = "1970-01-01T00:00:00Z"
	}
	if m.Defaults.Country == "" {
		m.Defaults.Country = "USA"
	}
	if m.Defaults.Category == "" {
		m.Defaults.Category = "Unknown"
	}
	if m.Defaults.Quantity == 0 {
		m.Defaults.Quantity = 1
	}
	if m.Defaults.PasswordPrefix == "" {
		m.Defaults.PasswordPrefix = "!migrated:"
	}

	if c.Report.Directory == "" {
		c.Report.Directory = ExpandHome("~/.dbmigrate/reports/")
	}
	if c.Report.Format == "" {
		c.Report.Format = "both"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = ExpandHome("~/.dbmigrate/logs/")
	}
}

// Retries returns the configured retry budget.
func (m MigrationConfig) Retries() int {
	if m.MaxRetries == nil {
		return 0
	}
	return *m.MaxRetries
}

// Order returns the configured entity order as typed entity names.
func (m MigrationConfig) Order() ([]model.EntityType, error) {
	order := make([]model.EntityType, 0, len(m.EntityOrder))
	seen := make(map[model.EntityType]bool)
	for _, name := range m.EntityOrder {
		e, err := model.ParseEntityType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if seen[e] {
			return nil, fmt.Errorf("entity %q listed twice in entity_order", e)
		}
		seen[e] = true
		order = append(order, e)
	}
	return order, nil
}

// DefaultRegistrationDate parses the configured sentinel timestamp.
func (m MigrationConfig) DefaultRegistrationDate() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, m.Defaults.RegistrationDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("defaults.registration_date: %w", err)
	}
	return t, nil
}

// Validate reports every structural problem in the config.
func (c *Config) Validate() []string {
	var errs []string

	switch c.Source.Type {
	case "postgresql", "oracle":
		if c.Source.DSN == "" && (c.Source.Host == "" || c.Source.Database == "") {
			errs = append(errs, "source.host and source.database are required")
		}
	case "sqlite":
		if c.Source.DSN == "" && c.Source.Path == "" {
			errs = append(errs, "source.path is required for sqlite")
		}
	case "":
		errs = append(errs, "source.type is required")
	default:
		errs = append(errs, fmt.Sprintf("unsupported source.type %q", c.Source.Type))
	}

	switch c.Target.Type {
	case "postgresql":
		if c.Target.ConnectionString == "" && (c.Target.Host == "" || c.Target.Database == "") {
			errs = append(errs, "target.host and target.database are required")
		}
	case "sqlite":
		if c.Target.ConnectionString == "" && c.Target.Path == "" {
			errs = append(errs, "target.path is required for sqlite")
		}
	case "mongodb":
		if c.Target.ConnectionString == "" {
			errs = append(errs, "target.connection_string is required for mongodb")
		}
		if c.Target.Database == "" {
			errs = append(errs, "target.database is required for mongodb")
		}
	case "":
		errs = append(errs, "target.type is required")
	default:
		errs = append(errs, fmt.Sprintf("unsupported target.type %q", c.Target.Type))
	}

	if c.Migration.BatchSize <= 0 {
		errs = append(errs, "migration.batch_size must be > 0")
	}
	if c.Migration.Retries() < 0 {
		errs = append(errs, "migration.max_retries must be >= 0")
	}
	if _, err := c.Migration.Order(); err != nil {
		errs = append(errs, "migration.entity_order: "+err.Error())
	}
	if _, err := c.Migration.DefaultRegistrationDate(); err != nil {
		errs = append(errs, "migration."+err.Error())
	}
	if c.Migration.Retry.Multiplier < 1 {
		errs = append(errs, "migration.retry.multiplier must be >= 1")
	}
	switch c.Report.Format {
	case "json", "text", "both":
	default:
		errs = append(errs, fmt.Sprintf("unsupported report.format %q", c.Report.Format))
	}
	return errs
}

// ConnString returns the driver connection string for the source.
func (s SourceConfig) ConnString() string {
	if s.DSN != "" {
		return s.DSN
	}
	switch s.Type {
	case "oracle":
		return fmt.Sprintf("oracle://%s:%s@%s:%d/%s",
			url.QueryEscape(s.Username), url.QueryEscape(s.Password), s.Host, s.Port, s.Database)
	case "sqlite":
		return s.Path
	}
	return pgConnString(s.Username, s.Password, s.Host, s.Port, s.Database, s.SSL)
}

// ConnString returns the driver connection string for the target.
func (t TargetConfig) ConnString() string {
	if t.ConnectionString != "" {
		return t.ConnectionString
	}
	if t.Type == "sqlite" {
		return t.Path
	}
	return pgConnString(t.Username, t.Password, t.Host, t.Port, t.Database, t.SSL)
}

func pgConnString(user, pass, host string, port int, db string, sslOn bool) string {
	ssl := "disable"
	if sslOn {
		ssl = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, pass),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + db,
		RawQuery: "sslmode=" + ssl,
	}
	return u.String()
}

var secretPattern = regexp.MustCompile(`\$\{(ENV|VAULT|AWS_SM):([^}]+)\}`)

func (c *Config) resolveSecrets() error {
	fields := []struct {
		name string
		val  *string
	}{
		{"source password", &c.Source.Password},
		{"source dsn", &c.Source.DSN},
		{"target password", &c.Target.Password},
		{"target connection string", &c.Target.ConnectionString},
	}
	for _, f := range fields {
		v, err := ResolveValue(*f.val)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.val = v
	}
	return nil
}

// ResolveValue resolves secret references in a string value.
func ResolveValue(val string) (string, error) {
	matches := secretPattern.FindStringSubmatch(val)
	if matches == nil {
		return val, nil
	}

	provider := matches[1]
	ref := matches[2]

	var resolved string
	var err error
	switch provider {
	case "ENV":
		resolved = os.Getenv(ref)
		if resolved == "" {
			return "", fmt.Errorf("environment variable %s not set", ref)
		}
	case "VAULT":
		resolved, err = resolveVault(ref)
	case "AWS_SM":
		resolved, err = resolveAWSSecretsManager(ref)
	default:
		return "", fmt.Errorf("unknown secrets provider: %s", provider)
	}
	if err != nil {
		return "", err
	}
	return strings.Replace(val, matches[0], resolved, 1), nil
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
