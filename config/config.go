package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// APIKey maps a static key to the principal it authenticates.
type APIKey struct {
	UserID string `mapstructure:"user_id"`
	Role   string `mapstructure:"role"`
}

type Config struct {
	APIPort    int `mapstructure:"API_PORT"`
	WorkerPort int `mapstructure:"WORKER_PORT"`

	Devices          string `mapstructure:"DEVICES"`
	WorkersPerDevice int    `mapstructure:"WORKERS_PER_DEVICE"`
	AllowedBackends  string `mapstructure:"ALLOWED_BACKENDS"`

	PollInterval              time.Duration `mapstructure:"POLL_INTERVAL"`
	StaleTimeout              time.Duration `mapstructure:"STALE_TIMEOUT"`
	PurgeRetention            time.Duration `mapstructure:"PURGE_RETENTION"`
	MaintenanceResetInterval  time.Duration `mapstructure:"MAINTENANCE_RESET_INTERVAL"`
	MaintenancePurgeInterval  time.Duration `mapstructure:"MAINTENANCE_PURGE_INTERVAL"`
	MaxRequestTimeout         time.Duration `mapstructure:"MAX_REQUEST_TIMEOUT"`
	MaxUploadSize             int64         `mapstructure:"MAX_UPLOAD_SIZE"`
	DefaultMaxRetries         int           `mapstructure:"DEFAULT_MAX_RETRIES"`
	EngineTimeout             time.Duration `mapstructure:"ENGINE_TIMEOUT"`
	EngineCancelCheckInterval time.Duration `mapstructure:"ENGINE_CANCEL_CHECK_INTERVAL"`

	OutputRoot string `mapstructure:"OUTPUT_ROOT"`
	UploadRoot string `mapstructure:"UPLOAD_ROOT"`
	DBPath     string `mapstructure:"DB_PATH"`

	AuthEnable bool              `mapstructure:"AUTH_ENABLE"`
	JWTSecret  string            `mapstructure:"JWT_SECRET"`
	APIKeys    map[string]APIKey `mapstructure:"API_KEYS"`

	// Engines maps backend names to external command templates. Templates
	// use {input} and {output_dir} placeholders.
	Engines map[string]string `mapstructure:"ENGINES"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioSecure    bool   `mapstructure:"MINIO_SECURE"`
}

// DeviceList splits the DEVICES option ("0,1" or "cpu") into individual
// device bindings.
func (c *Config) DeviceList() []string {
	var out []string
	for _, d := range strings.Split(c.Devices, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = []string{"cpu"}
	}
	return out
}

// BackendNames returns every configured backend plus the "auto" router.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Engines)+1)
	names = append(names, "auto")
	for name := range c.Engines {
		names = append(names, name)
	}
	return names
}

// AllowedBackendList parses the worker-side backend filter; empty means
// unfiltered.
func (c *Config) AllowedBackendList() []string {
	var out []string
	for _, b := range strings.Split(c.AllowedBackends, ",") {
		b = strings.TrimSpace(strings.ToLower(b))
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// stringToDurationHookFunc parses Go duration strings from config values.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings ("500MB").
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string; let other parsers have it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("API_PORT", 8000)
	vp.SetDefault("WORKER_PORT", 9000)
	vp.SetDefault("DEVICES", "0")
	vp.SetDefault("WORKERS_PER_DEVICE", 1)
	vp.SetDefault("ALLOWED_BACKENDS", "")
	vp.SetDefault("POLL_INTERVAL", "500ms")
	vp.SetDefault("STALE_TIMEOUT", "60m")
	vp.SetDefault("PURGE_RETENTION", "168h")
	vp.SetDefault("MAINTENANCE_RESET_INTERVAL", "5m")
	vp.SetDefault("MAINTENANCE_PURGE_INTERVAL", "6h")
	vp.SetDefault("MAX_REQUEST_TIMEOUT", "5m")
	vp.SetDefault("MAX_UPLOAD_SIZE", "500MB")
	vp.SetDefault("DEFAULT_MAX_RETRIES", 3)
	vp.SetDefault("ENGINE_TIMEOUT", "55m")
	vp.SetDefault("ENGINE_CANCEL_CHECK_INTERVAL", "2s")
	vp.SetDefault("OUTPUT_ROOT", "output")
	vp.SetDefault("UPLOAD_ROOT", "uploads")
	vp.SetDefault("DB_PATH", "tianshu.db")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("JWT_SECRET", "")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("MINIO_ENDPOINT", "")
	vp.SetDefault("MINIO_SECURE", true)
	vp.SetDefault("ENGINES", map[string]string{
		"pipeline":     "mineru-parse --source {input} --dest {output_dir}",
		"paddleocr-vl": "paddleocr-vl-parse --source {input} --dest {output_dir}",
		"markitdown":   "markitdown-convert {input} --out {output_dir}",
		"sensevoice":   "sensevoice-transcribe {input} --out {output_dir}",
		"video":        "video-parse {input} --out {output_dir}",
		"fasta":        "bioparse --format fasta {input} --out {output_dir}",
		"genbank":      "bioparse --format genbank {input} --out {output_dir}",
	})

	vp.SetConfigName("tianshu_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/tianshu/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("TIANSHU")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
