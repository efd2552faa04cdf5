package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is used when no path is given on the command line or in CHAT_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	DatabaseURL    string `yaml:"databaseURL"`
	DatabaseDriver string `yaml:"databaseDriver"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	TrustedProxies string `yaml:"trustedProxies"`
	AllowedOrigins string `yaml:"allowedOrigins"`

	AnonRateLimitPerMinute int `yaml:"anonRateLimitPerMinute"`

	SessionTTL          string `yaml:"sessionTTL"`
	JWTSecret           string `yaml:"jwtSecret"`
	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath    string `yaml:"jwtPublicKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`

	StorageTimeout         string `yaml:"storageTimeout"`
	BcryptCost             int    `yaml:"bcryptCost"`
	ResetTokenTTL          string `yaml:"resetTokenTTL"`
	ResetResponseFloor     string `yaml:"resetResponseFloor"`
	FrontendURL            string `yaml:"frontendURL"`
	RequireFriendsForRooms bool   `yaml:"requireFriendsForRooms"`

	Fanout       string `yaml:"fanout"`
	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	MailFrom     string `yaml:"mailFrom"`
	MailQueue    bool   `yaml:"mailQueue"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = v
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.JWTPrivateKeyPath = v
	}
	if v := os.Getenv("JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.JWTPublicKeyPath = v
	}
	if v := os.Getenv("JWT_KEY_ID"); v != "" {
		cfg.JWTKeyID = v
	}
	if v := os.Getenv("JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.JWTVerifyPublicKeys = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.FrontendURL = v
	}
	if v := os.Getenv("CHAT_RESET_RESPONSE_FLOOR"); v != "" {
		cfg.ResetResponseFloor = v
	}
	if v := os.Getenv("CHAT_FANOUT"); v != "" {
		cfg.Fanout = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTPUsername = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTPPassword = v
	}
	if v := os.Getenv("CHAT_BCRYPT_COST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BcryptCost = n
		}
	}
	if v := os.Getenv("CHAT_ANON_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AnonRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_REQUIRE_FRIENDS_FOR_ROOMS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RequireFriendsForRooms = b
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if cfg.Fanout == "" {
		cfg.Fanout = "none"
	}
	cfg.Fanout = strings.ToLower(strings.TrimSpace(cfg.Fanout))
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if cfg.ResetResponseFloor == "" {
		cfg.ResetResponseFloor = "2s"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported databaseDriver %q", cfg.DatabaseDriver)
	}
	if cfg.JWTSecret == "" && cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtSecret or jwtPrivateKeyPath is required (set JWT_SECRET or JWT_PRIVATE_KEY_PATH)")
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath != "" {
		return errors.New("config: jwtPublicKeyPath requires jwtPrivateKeyPath")
	}
	switch cfg.Fanout {
	case "none":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for redis fanout")
		}
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required for amqp fanout")
		}
	default:
		return fmt.Errorf("config: unsupported fanout %q", cfg.Fanout)
	}
	if cfg.MailQueue && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for mailQueue")
	}
	if cfg.SMTPHost != "" && cfg.MailFrom == "" {
		return errors.New("config: mailFrom is required with smtpHost")
	}
	if cfg.AnonRateLimitPerMinute < 0 {
		return errors.New("config: anonRateLimitPerMinute must be >= 0")
	}
	if cfg.AnonRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for anonRateLimitPerMinute")
	}
	if cfg.BcryptCost < 0 {
		return errors.New("config: bcryptCost must be >= 0")
	}
	for name, value := range map[string]string{
		"sessionTTL":         cfg.SessionTTL,
		"jwtLeeway":          cfg.JWTLeeway,
		"storageTimeout":     cfg.StorageTimeout,
		"resetTokenTTL":      cfg.ResetTokenTTL,
		"resetResponseFloor": cfg.ResetResponseFloor,
	} {
		if _, err := ParseDuration(name, value); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseDuration parses an optional duration setting; empty means zero.
func ParseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// SplitList splits a comma separated list such as trustedProxies or
// allowedOrigins, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
