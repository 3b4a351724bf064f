package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bioact-main/src/internal/archive"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BIOACT_ENGINE_TIMEOUT.
const EnvPrefix = "BIOACT"

type Config struct {
	Server     ServerConfig    `mapstructure:"server" json:"server"`
	StorageDir string          `mapstructure:"storage_dir" json:"storage_dir"`
	LogLevel   string          `mapstructure:"log_level" json:"log_level"`
	Engine     EngineConfig    `mapstructure:"engine" json:"engine"`
	Model      ModelConfig     `mapstructure:"model" json:"model"`
	Features   FeaturesConfig  `mapstructure:"features" json:"features"`
	Workspace  WorkspaceConfig `mapstructure:"workspace" json:"workspace"`
	History    HistoryConfig   `mapstructure:"history" json:"history"`
	Archive    ArchiveConfig   `mapstructure:"archive" json:"archive"`
	Result     ResultConfig    `mapstructure:"result" json:"result"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr" json:"addr"`
	Key            string `mapstructure:"key" json:"-"`
	AdminUser      string `mapstructure:"admin_user" json:"admin_user"`
	AdminPass      string `mapstructure:"admin_pass" json:"-"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes" json:"max_upload_bytes"`
	EffectiveHost  string `mapstructure:"-" json:"effectiveHost"`
	Port           int    `mapstructure:"-" json:"port"`
}

// EngineConfig describes the descriptor engine. When Command is empty the
// PaDEL settings build the argv; otherwise Command and Args run verbatim with
// {input}, {output} and {dir} substituted.
type EngineConfig struct {
	Java             string        `mapstructure:"java" json:"java"`
	Home             string        `mapstructure:"home" json:"home"`
	Jar              string        `mapstructure:"jar" json:"jar"`
	DescriptorTypes  string        `mapstructure:"descriptor_types" json:"descriptor_types"`
	Heap             string        `mapstructure:"heap" json:"heap"`
	Threads          int           `mapstructure:"threads" json:"threads"`
	RemoveSalt       bool          `mapstructure:"remove_salt" json:"remove_salt"`
	StandardizeNitro bool          `mapstructure:"standardize_nitro" json:"standardize_nitro"`
	Fingerprints     bool          `mapstructure:"fingerprints" json:"fingerprints"`
	Command          string        `mapstructure:"command" json:"command,omitempty"`
	Args             []string      `mapstructure:"args" json:"args,omitempty"`
	IDColumn         string        `mapstructure:"id_column" json:"id_column"`
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxConcurrent    int           `mapstructure:"max_concurrent" json:"max_concurrent"`
}

type ModelConfig struct {
	ManifestPath string `mapstructure:"manifest_path" json:"manifest_path"`
	ArtifactPath string `mapstructure:"artifact_path" json:"artifact_path"`
}

type FeaturesConfig struct {
	Imputation string `mapstructure:"imputation" json:"imputation"`
}

type WorkspaceConfig struct {
	Root    string        `mapstructure:"root" json:"root"`
	MaxAge  time.Duration `mapstructure:"max_age" json:"max_age"`
	Janitor string        `mapstructure:"janitor" json:"janitor"`
}

type HistoryConfig struct {
	Path      string        `mapstructure:"path" json:"path"`
	Retention time.Duration `mapstructure:"retention" json:"retention"`
}

type ArchiveConfig struct {
	Driver string           `mapstructure:"driver" json:"driver"`
	Dir    string           `mapstructure:"dir" json:"dir"`
	S3     archive.S3Config `mapstructure:"s3" json:"s3"`
}

type ResultConfig struct {
	IDHeader    string `mapstructure:"id_header" json:"id_header"`
	ScoreHeader string `mapstructure:"score_header" json:"score_header"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.key", "")
	v.SetDefault("server.admin_user", "admin")
	v.SetDefault("server.admin_pass", "")
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("storage_dir", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("engine.java", "java")
	v.SetDefault("engine.home", "PaDEL-Descriptor")
	v.SetDefault("engine.jar", "PaDEL-Descriptor.jar")
	v.SetDefault("engine.descriptor_types", "PubchemFingerprinter.xml")
	v.SetDefault("engine.heap", "1G")
	v.SetDefault("engine.threads", 0)
	v.SetDefault("engine.remove_salt", true)
	v.SetDefault("engine.standardize_nitro", true)
	v.SetDefault("engine.fingerprints", true)
	v.SetDefault("engine.command", "")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.id_column", "Name")
	v.SetDefault("engine.timeout", "10m")
	v.SetDefault("engine.max_concurrent", 2)

	v.SetDefault("model.manifest_path", "descriptor_list.csv")
	v.SetDefault("model.artifact_path", "model.msgpack")
	v.SetDefault("features.imputation", "batch-mean")

	v.SetDefault("workspace.root", "")
	v.SetDefault("workspace.max_age", "1h")
	v.SetDefault("workspace.janitor", "0 */10 * * * *")

	v.SetDefault("history.path", "")
	v.SetDefault("history.retention", "720h")

	v.SetDefault("archive.driver", "fs")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.path_style", false)
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")

	v.SetDefault("result.id_header", "molecule_name")
	v.SetDefault("result.score_header", "pIC50")
}

// Load reads the config file (override, or config.yaml in the app dir),
// applies BIOACT_* environment overrides and fills derived fields. A .env
// file in the working directory is loaded first when present.
func Load(override string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	appDir := filepath.Join(home, ".bioact")
	if envDir := os.Getenv(EnvPrefix + "_HOME"); envDir != "" {
		appDir = envDir
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if override != "" {
		v.SetConfigFile(override)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(appDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Compute effective host/port from addr
	host, portStr, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server.addr %q: %w", cfg.Server.Addr, err)
	}
	cfg.Server.EffectiveHost = host
	if cfg.Server.EffectiveHost == "" {
		cfg.Server.EffectiveHost = "0.0.0.0"
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q in server.addr %q: %w", portStr, cfg.Server.Addr, err)
	}
	cfg.Server.Port = p

	if cfg.StorageDir == "" {
		cfg.StorageDir = appDir
	}
	// Configured paths are absolute from here on.
	resolve := func(p string) (string, error) {
		if p == "" {
			return p, nil
		}
		if strings.HasPrefix(p, "~/") {
			p = filepath.Join(home, p[2:])
		}
		return filepath.Abs(p)
	}
	if cmd := cfg.Engine.Command; cmd != "" && filepath.Base(cmd) != cmd {
		if cfg.Engine.Command, err = resolve(cfg.Engine.Command); err != nil {
			return nil, fmt.Errorf("resolve engine.command: %w", err)
		}
	}
	for _, p := range []*string{
		&cfg.StorageDir,
		&cfg.Engine.Home,
		&cfg.Model.ManifestPath,
		&cfg.Model.ArtifactPath,
		&cfg.Workspace.Root,
		&cfg.History.Path,
		&cfg.Archive.Dir,
	} {
		abs, err := resolve(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve path %q: %w", *p, err)
		}
		*p = abs
	}

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(cfg.StorageDir, "workspaces")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.StorageDir, "history.db")
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = filepath.Join(cfg.StorageDir, "archive")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive, got %s", c.Engine.Timeout)
	}
	if c.Workspace.MaxAge <= c.Engine.Timeout {
		return fmt.Errorf("workspace.max_age (%s) must exceed engine.timeout (%s)", c.Workspace.MaxAge, c.Engine.Timeout)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if c.Engine.Command == "" && c.Engine.Jar == "" {
		return errors.New("engine.jar is required when engine.command is not set")
	}
	return nil
}
