package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultMode           = "pool"
	DefaultMaxConcurrency = 4
	DefaultPollInterval   = 30 * time.Second
	DefaultMaxPollErrors  = 5
	DefaultBufferDistance = 10000
	DefaultTolerance      = 1
	DefaultBoundaryWidth  = 1000
	DefaultAnalysisScale  = 500
	DefaultExportScale    = 500
	DefaultRemoteTimeout  = 5 * time.Minute
	DefaultUploadAttempts = 3
	DefaultEventBuffer    = 256
)

// Config is the top-level runner configuration.
type Config struct {
	Runner    RunnerConfig    `yaml:"runner"`
	Remote    RemoteConfig    `yaml:"remote"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Geometry  GeometryConfig  `yaml:"geometry"`
	Composite CompositeConfig `yaml:"composite"`
	Storage   StorageConfig   `yaml:"storage"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Events    EventsConfig    `yaml:"events"`
}

// RunnerConfig holds the batch and scheduling settings.
type RunnerConfig struct {
	// Mode selects the dispatch mode: pool | async.
	Mode string `yaml:"mode"`

	// MaxConcurrency caps the number of jobs in SUBMITTED or RUNNING state.
	MaxConcurrency int `yaml:"max_concurrency"`

	// PollInterval is the async-mode sleep between status polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPollErrors is how many consecutive failed status polls fail a job.
	MaxPollErrors int `yaml:"max_poll_errors"`

	// EntityIDs, StartYear and NYears define the batch: every id crossed with
	// [StartYear, StartYear+NYears).
	EntityIDs []string `yaml:"entity_ids"`
	StartYear int      `yaml:"start_year"`
	NYears    int      `yaml:"n_years"`

	BufferDistance float64 `yaml:"buffer_distance"`
	Tolerance      float64 `yaml:"tolerance"`
	BoundaryWidth  float64 `yaml:"boundary_width"`
	AnalysisScale  float64 `yaml:"analysis_scale"`
	ExportScale    float64 `yaml:"export_scale"`

	// ExportRaster also submits a cloud-optimized GeoTIFF of each composite.
	ExportRaster bool `yaml:"export_raster"`

	// TimestampNames appends the batch start time to raster artifact names.
	TimestampNames bool `yaml:"timestamp_names"`

	// Resume skips items the ledger already records as COMPLETED.
	Resume bool `yaml:"resume"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr serves /metrics and /healthz when non-empty (e.g. ":9100").
	MetricsAddr string `yaml:"metrics_addr"`

	// TextfilePath receives a Prometheus text dump at the end of the batch.
	TextfilePath string `yaml:"textfile_path"`
}

// RemoteConfig describes the remote compute service.
type RemoteConfig struct {
	// Endpoint is the base URL of the compute service API.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single HTTP request. Export jobs are not bounded by it.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond paces outgoing calls; zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	Retry RetryConfig `yaml:"retry"`
	Auth  AuthConfig  `yaml:"auth"`
	TLS   TLSConfig   `yaml:"tls"`
}

// RetryConfig controls retries of retryable remote failures.
// MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// AuthConfig specifies the authentication mode for the compute service.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// API key fields used when Mode == "apikey".
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`

	// Bearer token fields used when Mode == "bearer".
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields used when Mode == "basic".
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string { return lookupEnv(a.KeyEnv) }

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string { return lookupEnv(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return lookupEnv(a.PasswordEnv) }

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// CatalogConfig selects the protected-area catalog and its exclusion filters.
type CatalogConfig struct {
	Asset                string   `yaml:"asset"`
	IDProperty           string   `yaml:"id_property"`
	ExcludeMarine        bool     `yaml:"exclude_marine"`
	ExcludedDesignations []string `yaml:"excluded_designations"`
	AllowedStatuses      []string `yaml:"allowed_statuses"`
	ExcludedIDs          []string `yaml:"excluded_ids"`
	MinArea              float64  `yaml:"min_area"`
}

// GeometryConfig holds the water-mask and ecoregion settings.
type GeometryConfig struct {
	WaterAsset     string  `yaml:"water_asset"`
	WaterBand      string  `yaml:"water_band"`
	KernelRadius   float64 `yaml:"kernel_radius"`
	SearchMargin   float64 `yaml:"search_margin"`
	VectorScale    float64 `yaml:"vector_scale"`
	MaxPixels      float64 `yaml:"max_pixels"`
	EcoregionAsset string  `yaml:"ecoregion_asset"`
	BiomeProperty  string  `yaml:"biome_property"`
}

// CompositeConfig selects the image source and the channels used for indices.
type CompositeConfig struct {
	Source    string `yaml:"source"`
	NIR       string `yaml:"nir"`
	Red       string `yaml:"red"`
	Blue      string `yaml:"blue"`
	CloudMask bool   `yaml:"cloud_mask"`
	QABand    string `yaml:"qa_band"`

	HumanModificationAsset string `yaml:"human_modification_asset"`
	HumanModificationBand  string `yaml:"human_modification_band"`
}

// StorageConfig points at the S3-compatible bucket that receives tables.
type StorageConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`

	TablePrefix string `yaml:"table_prefix"`
	ImagePrefix string `yaml:"image_prefix"`

	// Gzip compresses uploaded tables (.csv.gz, Content-Encoding gzip).
	Gzip bool `yaml:"gzip"`

	UploadAttempts int `yaml:"upload_attempts"`
}

// AccessKey returns the storage access key resolved from the environment.
func (s StorageConfig) AccessKey() string { return lookupEnv(s.AccessKeyEnv) }

// SecretKey returns the storage secret key resolved from the environment.
func (s StorageConfig) SecretKey() string { return lookupEnv(s.SecretKeyEnv) }

// LedgerConfig locates the SQLite job ledger. An empty Path disables it.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig configures the AMQP job-event publisher. An unset URL
// disables publishing.
type EventsConfig struct {
	URLEnv     string `yaml:"url_env"`
	Exchange   string `yaml:"exchange"`
	BufferSize int    `yaml:"buffer_size"`
}

// URL returns the AMQP URL resolved from the environment.
func (e EventsConfig) URL() string { return lookupEnv(e.URLEnv) }

func lookupEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Runner: RunnerConfig{
			Mode:           DefaultMode,
			MaxConcurrency: DefaultMaxConcurrency,
			PollInterval:   DefaultPollInterval,
			MaxPollErrors:  DefaultMaxPollErrors,
			NYears:         1,
			BufferDistance: DefaultBufferDistance,
			Tolerance:      DefaultTolerance,
			BoundaryWidth:  DefaultBoundaryWidth,
			AnalysisScale:  DefaultAnalysisScale,
			ExportScale:    DefaultExportScale,
			LogLevel:       "info",
		},
		Remote: RemoteConfig{
			Timeout: DefaultRemoteTimeout,
			Burst:   1,
			Retry: RetryConfig{
				MaxAttempts:    1,
				InitialBackoff: time.Second,
				MaxBackoff:     time.Minute,
			},
		},
		Catalog: CatalogConfig{
			Asset:         "WCMC/WDPA/202106/polygons",
			IDProperty:    "WDPA_PID",
			ExcludeMarine: true,
			ExcludedDesignations: []string{
				"Marine Protected Area",
				"UNESCO-MAB Biosphere Reserve",
			},
			AllowedStatuses: []string{"Designated", "Established", "Inscribed"},
			ExcludedIDs: []string{
				"555655917", "555656005", "555656013", "555665477", "555656021",
				"555665485", "555556142", "187", "555703455", "555563456", "15894",
			},
			MinArea: 200,
		},
		Geometry: GeometryConfig{
			WaterAsset:     "JRC/GSW1_4/GlobalSurfaceWater",
			WaterBand:      "max_extent",
			KernelRadius:   30,
			SearchMargin:   1000,
			VectorScale:    30,
			MaxPixels:      1e10,
			EcoregionAsset: "RESOLVE/ECOREGIONS/2017",
			BiomeProperty:  "BIOME_NAME",
		},
		Composite: CompositeConfig{
			Source:                 "MODIS/061/MOD09A1",
			NIR:                    "sur_refl_b02",
			Red:                    "sur_refl_b01",
			Blue:                   "sur_refl_b03",
			QABand:                 "StateQA",
			HumanModificationAsset: "CSP/HM/GlobalHumanModification",
			HumanModificationBand:  "gHM",
		},
		Storage: StorageConfig{
			TablePrefix:    "protected_areas/tables",
			ImagePrefix:    "protected_areas/images",
			UploadAttempts: DefaultUploadAttempts,
		},
		Events: EventsConfig{
			Exchange:   "edgestack.jobs",
			BufferSize: DefaultEventBuffer,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	r := cfg.Runner
	switch r.Mode {
	case "pool", "async":
	default:
		return fmt.Errorf("runner.mode %q unknown: want pool|async", r.Mode)
	}
	if r.MaxConcurrency < 1 {
		return fmt.Errorf("runner.max_concurrency must be at least 1")
	}
	if r.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive")
	}
	if r.MaxPollErrors < 1 {
		return fmt.Errorf("runner.max_poll_errors must be at least 1")
	}
	if r.NYears < 0 {
		return fmt.Errorf("runner.n_years must not be negative")
	}
	if r.BufferDistance <= 0 {
		return fmt.Errorf("runner.buffer_distance must be positive")
	}
	if r.Tolerance <= 0 {
		return fmt.Errorf("runner.tolerance must be positive")
	}
	if r.BoundaryWidth <= 0 {
		return fmt.Errorf("runner.boundary_width must be positive")
	}
	if r.AnalysisScale <= 0 || r.ExportScale <= 0 {
		return fmt.Errorf("runner.analysis_scale and runner.export_scale must be positive")
	}
	if _, err := ParseLevel(r.LogLevel); err != nil {
		return fmt.Errorf("runner.log_level: %w", err)
	}

	if cfg.Remote.Endpoint == "" {
		return fmt.Errorf("remote.endpoint is required")
	}
	if cfg.Remote.RequestsPerSecond < 0 {
		return fmt.Errorf("remote.requests_per_second must not be negative")
	}
	if cfg.Remote.Retry.MaxAttempts < 1 {
		return fmt.Errorf("remote.retry.max_attempts must be at least 1")
	}
	switch cfg.Remote.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("remote.auth.mode %q unknown", cfg.Remote.Auth.Mode)
	}
	if cfg.Remote.Auth.Mode == "apikey" && cfg.Remote.Auth.Header == "" {
		return fmt.Errorf("remote.auth.header is required for apikey mode")
	}

	if cfg.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if cfg.Storage.UploadAttempts < 1 {
		return fmt.Errorf("storage.upload_attempts must be at least 1")
	}
	if cfg.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive")
	}
	return nil
}

// ParseLevel converts a log_level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
