// Package config assembles the settings shared by every top-level operation.
// A Config is built once and passed explicitly; nothing here reads globals
// after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/asynkron/patchroot/internal/diag"
	"github.com/asynkron/patchroot/pkg/patch"
	"github.com/asynkron/patchroot/pkg/snapshot"
)

// Environment variables understood by Load.
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvWriteRoot        = "WRITE_ROOT"
	EnvAutoSnapshot     = "AUTO_SNAPSHOT"
	EnvStateDir         = "SNAPSHOT_DIR"
	EnvExcludes         = "SNAPSHOT_EXCLUDES"
	EnvFuzz             = "PATCH_FUZZ"
	EnvAllowOverwrite   = "PATCH_ALLOW_OVERWRITE"
	EnvIgnoreWhitespace = "PATCH_IGNORE_WHITESPACE"
	EnvLogLevel         = "LOG_LEVEL"
)

// Config holds the process-wide settings.
type Config struct {
	// WriteRoot is the directory every patch is confined to.
	WriteRoot string `yaml:"write_root" validate:"required"`
	// AutoSnapshot makes startup ensure the embedded snapshot.
	AutoSnapshot bool `yaml:"auto_snapshot"`
	// StateDir is relative to WriteRoot and must stay inside it.
	StateDir string   `yaml:"state_dir" validate:"required"`
	Excludes []string `yaml:"excludes" validate:"dive,required"`
	// FuzzLines bounds how far a hunk may drift from its header position.
	// Zero requires an exact position.
	FuzzLines        int    `yaml:"fuzz_lines" validate:"gte=0,lte=1000"`
	AllowOverwrite   bool   `yaml:"allow_overwrite"`
	IgnoreWhitespace bool   `yaml:"ignore_whitespace"`
	LogLevel         string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// Default returns the built-in configuration rooted at root.
func Default(root string) Config {
	c := Config{WriteRoot: root, AutoSnapshot: true, FuzzLines: patch.DefaultFuzzLines}
	c.setDefaults()
	return c
}

// setDefaults fills empty values that have a non-empty default. Booleans and
// FuzzLines are left alone since zero is a meaningful setting for them.
func (c *Config) setDefaults() {
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = snapshot.DefaultStateDir
	}
	if c.Excludes == nil {
		c.Excludes = append([]string{}, snapshot.DefaultExcludes...)
	}
	if c.LogLevel == "" {
		c.LogLevel = string(diag.LogLevelInfo)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalizes the log level and the root, then checks every field.
func (c *Config) Validate() error {
	level, err := diag.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	c.LogLevel = string(level)

	if c.StateDir != "" && !filepath.IsLocal(c.StateDir) {
		return fmt.Errorf("invalid config: state dir %q must be a relative path inside the write root", c.StateDir)
	}

	if c.WriteRoot != "" {
		abs, err := filepath.Abs(c.WriteRoot)
		if err != nil {
			return fmt.Errorf("invalid config: write root: %w", err)
		}
		c.WriteRoot = abs
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PatchOptions maps the patch settings onto patch.Options.
func (c Config) PatchOptions() patch.Options {
	fuzz := c.FuzzLines
	if fuzz == 0 {
		// patch.Options treats zero as "default"; negative means exact.
		fuzz = -1
	}
	return patch.Options{
		FuzzLines:        fuzz,
		IgnoreWhitespace: c.IgnoreWhitespace,
		AllowOverwrite:   c.AllowOverwrite,
	}
}

// StoreOptions maps the snapshot settings onto snapshot.StoreOptions.
func (c Config) StoreOptions() snapshot.StoreOptions {
	return snapshot.StoreOptions{
		StateDir: c.StateDir,
		Build:    snapshot.BuildOptions{Excludes: append([]string{}, c.Excludes...)},
	}
}

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// Getenv reads the process environment; nil uses os.Getenv.
	Getenv func(string) string
	// DotEnvFiles are read with godotenv. Missing files are ignored. Nil
	// reads ".env" in the working directory.
	DotEnvFiles []string
	// WorkDir is the default WriteRoot; empty uses os.Getwd.
	WorkDir string
}

// Load assembles a Config from, in increasing precedence: built-in
// defaults, the YAML file named by CONFIG_FILE, .env files, and the process
// environment. Callers apply flag overrides afterwards and call Validate.
func Load(opts LoadOptions) (Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	dotenv, err := readDotEnv(opts.DotEnvFiles)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	workDir := opts.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return Config{}, fmt.Errorf("determine working directory: %w", err)
		}
	}

	cfg := Default(workDir)
	if path := strings.TrimSpace(lookup(EnvConfigFile)); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(lookup, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	return cfg, cfg.Validate()
}

func readDotEnv(files []string) (map[string]string, error) {
	if files == nil {
		files = []string{".env"}
	}
	merged := make(map[string]string)
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			// A missing .env file is fine; anything else is surfaced.
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(lookup func(string) string, cfg *Config) error {
	if v := strings.TrimSpace(lookup(EnvWriteRoot)); v != "" {
		cfg.WriteRoot = v
	}
	if v := lookup(EnvAutoSnapshot); v != "" {
		cfg.AutoSnapshot = Truthy(v)
	}
	if v := strings.TrimSpace(lookup(EnvStateDir)); v != "" {
		cfg.StateDir = v
	}
	if v := lookup(EnvExcludes); v != "" {
		cfg.Excludes = SplitList(v)
	}
	if v := strings.TrimSpace(lookup(EnvFuzz)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFuzz, err)
		}
		cfg.FuzzLines = n
	}
	if v := lookup(EnvAllowOverwrite); v != "" {
		cfg.AllowOverwrite = Truthy(v)
	}
	if v := lookup(EnvIgnoreWhitespace); v != "" {
		cfg.IgnoreWhitespace = Truthy(v)
	}
	if v := strings.TrimSpace(lookup(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Truthy reports whether v is one of 1, true or yes (case-insensitive).
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
