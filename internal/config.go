package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/pagelink/internal/blob"
	"github.com/starford/pagelink/internal/registry"
	"github.com/starford/pagelink/internal/request"
	"github.com/starford/pagelink/internal/transport"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Document engines.
const (
	EngineRGA       = "rga"
	EngineAutomerge = "automerge"
)

// Config represents the application configuration. The relay and notebook
// commands read the sections they need.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Auth      AuthConfig        `yaml:"auth"`
	Relay     RelayConfig       `yaml:"relay"`
	Notebook  NotebookConfig    `yaml:"notebook"`
	Transport TransportConfig   `yaml:"transport"`
	Request   RequestConfig     `yaml:"request"`
}

// Validate validates the sections shared by every command.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return c.Request.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig guards the notebook control API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Blob     BlobConfig     `yaml:"blob"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   string         `yaml:"engine"`
	// PageQuota caps joined pages per notebook; negative means unlimited.
	PageQuota   int           `yaml:"page_quota"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`
}

// Validate validates the relay configuration.
func (c *RelayConfig) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("relay.database: %w", err)
	}
	if err := c.Blob.Validate(); err != nil {
		return fmt.Errorf("relay.blob: %w", err)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Engine, validation.Required, validation.In(EngineRGA, EngineAutomerge)),
		validation.Field(&c.AuthTimeout, validation.Min(time.Duration(0))),
	)
}

// DatabaseConfig selects the relay registry backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func (c *DatabaseConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(registry.DriverSQLite, registry.DriverPostgres)),
		validation.Field(&c.DSN, validation.Required),
	)
}

// BlobConfig selects where page snapshots are stored.
type BlobConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

func (c *BlobConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(blob.BackendFS, blob.BackendBadger)),
		validation.Field(&c.Path, validation.Required),
	)
}

// RedisConfig enables cross-instance delivery when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// Enabled reports whether a redis bus is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// NotebookConfig configures a notebook agent.
type NotebookConfig struct {
	RelayURL     string `yaml:"relay_url"`
	NotebookUUID string `yaml:"notebook_uuid"`
	Token        string `yaml:"token"`
	App          string `yaml:"app"`
	Workspace    string `yaml:"workspace"`
	PagesDir     string `yaml:"pages_dir"`
	IndexPath    string `yaml:"index_path"`
	Engine       string `yaml:"engine"`
	// Debounce delays page updates after a file change.
	Debounce time.Duration `yaml:"debounce"`
	// CatchUpEvery spaces catch-up requests per page.
	CatchUpEvery time.Duration `yaml:"catch_up_every"`
}

// Validate validates the notebook configuration.
func (c *NotebookConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RelayURL, validation.Required),
		validation.Field(&c.NotebookUUID, validation.Required),
		validation.Field(&c.Token, validation.Required),
		validation.Field(&c.App, validation.Required),
		validation.Field(&c.Workspace, validation.Required),
		validation.Field(&c.PagesDir, validation.Required),
		validation.Field(&c.IndexPath, validation.Required),
		validation.Field(&c.Engine, validation.Required, validation.In(EngineRGA, EngineAutomerge)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.CatchUpEvery, validation.Min(time.Duration(0))),
	)
}

// TransportConfig tunes websocket framing.
type TransportConfig struct {
	// Budget is the largest frame written before a message is chunked.
	Budget      int           `yaml:"budget"`
	FragmentTTL time.Duration `yaml:"fragment_ttl"`
	Keepalive   time.Duration `yaml:"keepalive"`
}

func (c *TransportConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Budget, validation.Required, validation.Min(1024)),
		validation.Field(&c.FragmentTTL, validation.Required),
		validation.Field(&c.Keepalive, validation.Required),
	)
}

// ConnOptions converts the section into transport options.
func (c *TransportConfig) ConnOptions(logger *slog.Logger) transport.ConnOptions {
	return transport.ConnOptions{Budget: c.Budget, FragmentTTL: c.FragmentTTL, Logger: logger}
}

// RequestConfig configures cross-notebook requests.
type RequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func (c *RequestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Required),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Relay: RelayConfig{
			Database: DatabaseConfig{
				Driver: registry.DriverSQLite,
				DSN:    "./relay.db",
			},
			Blob: BlobConfig{
				Backend: blob.BackendFS,
				Path:    "./blobs",
			},
			Engine:      EngineRGA,
			PageQuota:   -1,
			AuthTimeout: 10 * time.Second,
		},
		Notebook: NotebookConfig{
			RelayURL:     "http://localhost:8080",
			App:          "pagelink",
			PagesDir:     "./vault",
			IndexPath:    "./pagelink.db",
			Engine:       EngineRGA,
			Debounce:     300 * time.Millisecond,
			CatchUpEvery: time.Second,
		},
		Transport: TransportConfig{
			Budget:      transport.DefaultBudget,
			FragmentTTL: 2 * time.Minute,
			Keepalive:   transport.DefaultKeepalive,
		},
		Request: RequestConfig{
			Timeout: request.DefaultTimeout,
		},
	}
}
