package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Modes the plugin can run in.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Extensions probed when the SSR entry point is configured without one.
var entryPointExtensions = []string{".ts", ".js", ".tsx", ".jsx", ".mjs"}

// Config represents the resolved plugin configuration. It is resolved once at
// startup and treated as immutable afterwards.
type Config struct {
	Input         []string            `mapstructure:"input"`
	Root          string              `mapstructure:"root"`
	PublicDir     string              `mapstructure:"public_dir"`
	BuildDir      string              `mapstructure:"build_dir"`
	HotFile       string              `mapstructure:"hot_file"`
	Manifest      string              `mapstructure:"manifest"`
	Refresh       []string            `mapstructure:"refresh"`
	Mode          string              `mapstructure:"mode"`
	Server        ServerConfig        `mapstructure:"server"`
	SSRDev        SSRDevConfig        `mapstructure:"ssr_dev"`
	ComponentPath ComponentPathConfig `mapstructure:"component_path"`
	NBRoutes      RoutesConfig        `mapstructure:"nb_routes"`
	Debug         bool                `mapstructure:"debug"`
}

// ServerConfig contains dev server address settings
type ServerConfig struct {
	Host string    `mapstructure:"host"`
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

// TLSConfig contains dev server TLS settings. When Auto is set and both files
// exist, the resolved origin scheme becomes https without Enabled being set.
type TLSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Auto    bool   `mapstructure:"auto"`
	Cert    string `mapstructure:"cert"`
	Key     string `mapstructure:"key"`
}

// SSRDevConfig contains SSR render bridge settings
type SSRDevConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Path       string        `mapstructure:"path"`
	HealthPath string        `mapstructure:"health_path"`
	EntryPoint string        `mapstructure:"entry_point"`
	HotFile    string        `mapstructure:"hot_file"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ComponentPathConfig contains component annotator settings
type ComponentPathConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Force            bool   `mapstructure:"force"`
	Root             string `mapstructure:"root"`
	IncludeExtension bool   `mapstructure:"include_extension"`
	Verbose          bool   `mapstructure:"verbose"`
}

// RoutesConfig contains router-change watcher settings
type RoutesConfig struct {
	RouterPath []string      `mapstructure:"router_path"`
	Debounce   time.Duration `mapstructure:"debounce"`
	Command    string        `mapstructure:"command"`
	RoutesFile string        `mapstructure:"routes_file"`
}

// Load loads configuration from file and environment variables. configFile
// may be empty, in which case the conventional locations are searched.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("nbvite")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	// Set defaults
	setDefaults()

	// Enable environment variable support with underscore replacer
	viper.AutomaticEnv()
	viper.SetEnvPrefix("NBVITE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Derive dependent values before validation
	if err := config.resolve(); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults() {
	// General defaults
	viper.SetDefault("input", []string{})
	viper.SetDefault("root", ".")
	viper.SetDefault("public_dir", "public")
	viper.SetDefault("build_dir", "build")
	viper.SetDefault("refresh", []string{})
	viper.SetDefault("mode", ModeDevelopment)
	viper.SetDefault("debug", false)

	// Server defaults
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 5173)
	viper.SetDefault("server.tls.enabled", false)
	viper.SetDefault("server.tls.auto", false)

	// SSR dev defaults
	viper.SetDefault("ssr_dev.enabled", false)
	viper.SetDefault("ssr_dev.path", "/ssr")
	viper.SetDefault("ssr_dev.health_path", "/ssr-health")
	viper.SetDefault("ssr_dev.entry_point", "./js/ssr_dev.ts")
	viper.SetDefault("ssr_dev.timeout", 0)

	// Component path defaults
	viper.SetDefault("component_path.enabled", true)
	viper.SetDefault("component_path.force", false)
	viper.SetDefault("component_path.include_extension", true)
	viper.SetDefault("component_path.verbose", false)

	// Router watcher defaults
	viper.SetDefault("nb_routes.router_path", []string{"routes/**/*.go"})
	viper.SetDefault("nb_routes.debounce", "300ms")
	viper.SetDefault("nb_routes.command", "nb routes:generate")
	viper.SetDefault("nb_routes.routes_file", "assets/js/routes.js")
}

// resolve fills in values derived from other fields: paths rooted in
// public/build directories, the component root, the SSR entry extension and
// the project root made absolute.
func (c *Config) resolve() error {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve project root: %w", err)
	}
	c.Root = root

	if c.HotFile == "" {
		c.HotFile = filepath.Join(c.PublicDir, "hot")
	}
	if c.Manifest == "" {
		c.Manifest = filepath.Join(c.BuildDir, "manifest.json")
	}
	if c.SSRDev.HotFile == "" {
		c.SSRDev.HotFile = filepath.Join(c.PublicDir, "ssr-hot")
	}
	if c.ComponentPath.Root == "" {
		c.ComponentPath.Root = c.Root
	} else if !filepath.IsAbs(c.ComponentPath.Root) {
		c.ComponentPath.Root = filepath.Join(c.Root, c.ComponentPath.Root)
	}

	// Annotation is a development aid; production keeps it off unless forced
	if c.Mode == ModeProduction && !c.ComponentPath.Force {
		c.ComponentPath.Enabled = false
	}

	c.SSRDev.EntryPoint = resolveEntryPoint(c.Root, c.SSRDev.EntryPoint)

	return nil
}

// resolveEntryPoint probes known script extensions when the configured entry
// point has none. Falls back to .ts when no candidate exists on disk.
func resolveEntryPoint(root, entry string) string {
	if entry == "" || filepath.Ext(entry) != "" {
		return entry
	}
	for _, ext := range entryPointExtensions {
		candidate := entry + ext
		if _, err := os.Stat(filepath.Join(root, candidate)); err == nil {
			return candidate
		}
	}
	return entry + ".ts"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Input) == 0 {
		return fmt.Errorf("at least one entry point is required (set 'input')")
	}

	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("mode must be '%s' or '%s'", ModeDevelopment, ModeProduction)
	}

	if err := validateRelativeDir("public_dir", c.PublicDir); err != nil {
		return err
	}
	if err := validateRelativeDir("build_dir", c.BuildDir); err != nil {
		return err
	}

	if c.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.Cert == "" || c.Server.TLS.Key == "" {
			return fmt.Errorf("server.tls.cert and server.tls.key are required when TLS is enabled")
		}
	}

	if c.SSRDev.Enabled {
		if c.SSRDev.Path == "" || c.SSRDev.HealthPath == "" {
			return fmt.Errorf("ssr_dev.path and ssr_dev.health_path are required when SSR dev is enabled")
		}
		if c.SSRDev.EntryPoint == "" {
			return fmt.Errorf("ssr_dev.entry_point is required when SSR dev is enabled")
		}
		if c.SSRDev.HotFile == "" {
			return fmt.Errorf("ssr_dev.hot_file is required when SSR dev is enabled")
		}
	}

	if c.NBRoutes.Debounce < 0 {
		return fmt.Errorf("nb_routes.debounce must not be negative")
	}
	if len(c.NBRoutes.RouterPath) == 0 {
		return fmt.Errorf("nb_routes.router_path must not be empty")
	}

	return nil
}

// validateRelativeDir rejects empty and absolute directory values
func validateRelativeDir(key, dir string) error {
	if dir == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	if filepath.IsAbs(dir) {
		return fmt.Errorf("%s must be relative to the project root", key)
	}
	if dir != filepath.Clean(dir) || strings.HasPrefix(dir, "..") {
		return fmt.Errorf("%s must not escape the project root", key)
	}
	return nil
}

// HTTPS reports whether the resolved dev server origin uses the https scheme.
func (c *Config) HTTPS() bool {
	if c.Server.TLS.Enabled {
		return true
	}
	if c.Server.TLS.Auto && c.Server.TLS.Cert != "" && c.Server.TLS.Key != "" {
		_, certErr := os.Stat(c.Server.TLS.Cert)
		_, keyErr := os.Stat(c.Server.TLS.Key)
		return certErr == nil && keyErr == nil
	}
	return false
}

// Development reports whether the plugin runs in development mode.
func (c *Config) Development() bool {
	return c.Mode == ModeDevelopment
}
