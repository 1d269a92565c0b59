package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go-mod-downloads/internal/api"
	"go-mod-downloads/internal/models"
	"go-mod-downloads/internal/paths"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultDownloadsPath       = "downloads"
	DefaultDatabaseFile        = "downloads.db"    // Relative to DownloadsPath if not absolute
	DefaultIndexDir            = "downloads.bleve" // Relative to DownloadsPath if not absolute
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfigFilePath      = "config.toml"
	DefaultEnvFilePath         = ".env"
	DefaultHTTPLogFile         = "http.log"
	DefaultLogHTTPRequests     = false
	DefaultReassignConcurrency = 4
	DefaultReassignRollback    = true
	DefaultFetchTimeoutSec     = 900
	DefaultFetchMaxRetries     = api.DefaultMaxRetries
	DefaultDBVerifyCheckHash   = false

	// EnvPrefix is prepended to every environment override, e.g. MODDL_DOWNLOADSPATH.
	EnvPrefix = "MODDL"
)

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("downloadspath", DefaultDownloadsPath)
	v.SetDefault("downloadpathpattern", paths.DefaultPattern)
	v.SetDefault("databasepath", "")
	v.SetDefault("indexpath", "")
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("loghttprequests", DefaultLogHTTPRequests)

	v.SetDefault("reassign.concurrency", DefaultReassignConcurrency)
	v.SetDefault("reassign.rollbackonstorefailure", DefaultReassignRollback)

	v.SetDefault("fetch.useragent", api.DefaultUserAgent)
	v.SetDefault("fetch.timeoutsec", DefaultFetchTimeoutSec)
	v.SetDefault("fetch.maxretries", DefaultFetchMaxRetries)

	v.SetDefault("db.verify.checkhash", DefaultDBVerifyCheckHash)
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() models.Config {
	return models.Config{
		DownloadsPath:       DefaultDownloadsPath,
		DownloadPathPattern: paths.DefaultPattern,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		LogHTTPRequests:     DefaultLogHTTPRequests,
		Reassign: models.ReassignConfig{
			Concurrency:            DefaultReassignConcurrency,
			RollbackOnStoreFailure: DefaultReassignRollback,
		},
		Fetch: models.FetchConfig{
			UserAgent:  api.DefaultUserAgent,
			TimeoutSec: DefaultFetchTimeoutSec,
			MaxRetries: DefaultFetchMaxRetries,
		},
		DB: models.DBConfig{
			Verify: models.DBVerifyConfig{CheckHash: DefaultDBVerifyCheckHash},
		},
	}
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	ConfigFilePath  *string
	EnvFilePath     *string
	LogLevel        *string // --log-level
	LogFormat       *string // --log-format
	LogHTTPRequests *bool   // --log-http
	DownloadsPath   *string // --downloads-path
	DatabasePath    *string // --database-path
	IndexPath       *string // --index-path

	Reassign *CliReassignFlags
	DB       *CliDBFlags
}

type CliReassignFlags struct {
	Concurrency *int  // -c
	NoRollback  *bool // --no-rollback
}

type CliDBFlags struct {
	Verify *CliDBVerifyFlags
}

type CliDBVerifyFlags struct {
	CheckHash *bool // --check-hash
}

// Initialize merges defaults, the config file, the environment (including a
// .env file) and CLI flags, in that order of increasing precedence. It also
// returns the HTTP transport fetches should use.
func Initialize(flags CliFlags) (models.Config, http.RoundTripper, error) {
	envFile := DefaultEnvFilePath
	if flags.EnvFilePath != nil {
		envFile = *flags.EnvFilePath
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("[Config] Could not load env file %s", envFile)
		}
	} else {
		log.Debugf("[Config] Loaded environment from %s", envFile)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v)

	configFilePath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil {
		configFilePath = *flags.ConfigFilePath
	}
	v.SetConfigFile(configFilePath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			log.Debugf("[Config] Config file '%s' not found. Using defaults, environment and flags.", configFilePath)
		} else {
			return models.Config{}, nil, fmt.Errorf("reading config file %s: %w", configFilePath, err)
		}
	} else {
		log.Debugf("[Config] Read config file: %s", v.ConfigFileUsed())
	}

	finalCfg := DefaultConfig()
	if err := v.Unmarshal(&finalCfg); err != nil {
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}

	applyFlags(&finalCfg, flags)

	// Derived paths
	if finalCfg.DatabasePath == "" {
		finalCfg.DatabasePath = filepath.Join(finalCfg.DownloadsPath, DefaultDatabaseFile)
	}
	if finalCfg.IndexPath == "" {
		finalCfg.IndexPath = filepath.Join(finalCfg.DownloadsPath, DefaultIndexDir)
	}

	if err := Validate(finalCfg); err != nil {
		return models.Config{}, nil, err
	}

	var transport http.RoundTripper = http.DefaultTransport
	if finalCfg.LogHTTPRequests {
		if !dirExists(finalCfg.DownloadsPath) {
			if err := os.MkdirAll(finalCfg.DownloadsPath, 0755); err != nil {
				return models.Config{}, nil, fmt.Errorf("creating downloads path for HTTP log: %w", err)
			}
		}
		logFilePath := filepath.Join(finalCfg.DownloadsPath, DefaultHTTPLogFile)
		loggingTransport, err := api.NewLoggingTransport(transport, logFilePath)
		if err != nil {
			log.WithError(err).Warn("[Config] HTTP logging disabled")
		} else {
			log.Infof("[Config] HTTP logging to file: %s", logFilePath)
			transport = loggingTransport
		}
	}

	log.Debug("[Config] Configuration initialized.")
	return finalCfg, transport, nil
}

func applyFlags(cfg *models.Config, flags CliFlags) {
	if flags.DownloadsPath != nil {
		log.Debugf("[Config] Overriding DownloadsPath from flag: '%s'", *flags.DownloadsPath)
		cfg.DownloadsPath = *flags.DownloadsPath
	}
	if flags.DatabasePath != nil {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.IndexPath != nil {
		cfg.IndexPath = *flags.IndexPath
	}
	if flags.LogLevel != nil {
		cfg.LogLevel = *flags.LogLevel
	}
	if flags.LogFormat != nil {
		cfg.LogFormat = *flags.LogFormat
	}
	if flags.LogHTTPRequests != nil {
		cfg.LogHTTPRequests = *flags.LogHTTPRequests
	}
	if flags.Reassign != nil {
		if flags.Reassign.Concurrency != nil {
			cfg.Reassign.Concurrency = *flags.Reassign.Concurrency
		}
		if flags.Reassign.NoRollback != nil {
			cfg.Reassign.RollbackOnStoreFailure = !*flags.Reassign.NoRollback
		}
	}
	if flags.DB != nil && flags.DB.Verify != nil && flags.DB.Verify.CheckHash != nil {
		cfg.DB.Verify.CheckHash = *flags.DB.Verify.CheckHash
	}
}

// Validate checks a merged configuration.
func Validate(cfg models.Config) error {
	if cfg.DownloadsPath == "" {
		return errors.New("DownloadsPath cannot be empty (set via --downloads-path flag or DownloadsPath in config)")
	}
	if err := paths.ValidatePattern(cfg.DownloadPathPattern); err != nil {
		return fmt.Errorf("invalid DownloadPathPattern: %w", err)
	}
	if cfg.Reassign.Concurrency < 1 {
		return fmt.Errorf("Reassign.Concurrency must be at least 1, got %d", cfg.Reassign.Concurrency)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid LogLevel: %w", err)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LogFormat %q (expected text or json)", cfg.LogFormat)
	}
	return nil
}

// WriteConfigFile writes cfg as TOML to path. An existing file is only
// replaced when overwrite is set.
func WriteConfigFile(path string, cfg models.Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config to %s: %w", path, err)
	}
	return f.Close()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
