package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "SHOWER"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultProvider            = string(ProviderAuto)
	defaultRemoteTable         = "messages"
	defaultRemoteBucket        = "messages"
	defaultRemoteTimeout       = 15 * time.Second
	defaultLocalDataFile       = "data/messages.json"
	defaultLocalPhotoDir       = "data/photos"
	defaultLocalPhotoBaseURL   = "/photos"
	defaultPhotoMaxSize        = "10MB"
	defaultRateLimitRPS        = 1.0
	defaultRateLimitBurst      = 5
	defaultRedisChannel        = "shower:messages"
	defaultClientAPIURL        = "http://localhost:8080"
	defaultClientRefetchDelay  = time.Second
	defaultClientSubmitTimeout = 20 * time.Second
)

// Provider selects the store backing the message endpoint.
type Provider string

const (
	ProviderAuto     Provider = "auto"
	ProviderSupabase Provider = "supabase"
	ProviderSQL      Provider = "sql"
	ProviderLocal    Provider = "local"
)

// legacyEnvAliases maps keys to the variable names older deployments export.
var legacyEnvAliases = map[string][]string{
	"remote.url":         {"SUPABASE_URL", "VITE_SUPABASE_URL"},
	"remote.service_key": {"SUPABASE_SERVICE_KEY", "SUPABASE_SERVICE_ROLE_KEY"},
	"remote.anon_key":    {"SUPABASE_ANON_KEY", "VITE_SUPABASE_ANON_KEY"},
	"remote.jwt_secret":  {"SUPABASE_JWT_SECRET"},
}

// RemoteConfig describes the hosted persistence project.
type RemoteConfig struct {
	URL        string
	AnonKey    string
	ServiceKey string
	JWTSecret  string
	Table      string
	Bucket     string
	Timeout    time.Duration
}

// Configured reports whether the project url and at least one credential are present.
func (r RemoteConfig) Configured() bool {
	if strings.TrimSpace(r.URL) == "" {
		return false
	}
	return r.AnonKey != "" || r.ServiceKey != "" || r.JWTSecret != ""
}

// ServerKey returns the credential the server should use. An empty result with a JWT secret
// configured means tokens are minted instead.
func (r RemoteConfig) ServerKey() string {
	if r.ServiceKey != "" {
		return r.ServiceKey
	}
	if r.JWTSecret != "" {
		return ""
	}
	return r.AnonKey
}

// ClientKey returns the credential for guest-facing clients.
func (r RemoteConfig) ClientKey() string {
	if r.AnonKey != "" {
		return r.AnonKey
	}
	return r.ServiceKey
}

// LocalConfig locates the fallback JSON file and photo directory.
type LocalConfig struct {
	DataFile     string
	PhotoDir     string
	PhotoBaseURL string
}

// RateLimitConfig bounds write requests per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ChangeFeedConfig configures the cross-instance relay.
type ChangeFeedConfig struct {
	RedisURL     string
	RedisChannel string
}

// ClientConfig drives the submit and watch commands.
type ClientConfig struct {
	APIURL        string
	RefetchDelay  time.Duration
	SubmitTimeout time.Duration
}

// AppConfig captures runtime configuration for the API server and its clients.
type AppConfig struct {
	HTTPAddress   string
	CORSOrigins   []string
	LogLevel      string
	LogFormat     string
	Provider      Provider
	Remote        RemoteConfig
	DatabaseDSN   string
	Local         LocalConfig
	PhotoMaxBytes int64
	RateLimit     RateLimitConfig
	ChangeFeed    ChangeFeedConfig
	Client        ClientConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	for key, aliases := range legacyEnvAliases {
		names := append([]string{envName(key)}, aliases...)
		_ = configViper.BindEnv(append([]string{key}, names...)...)
	}

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{"*"})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("backend.provider", defaultProvider)
	configViper.SetDefault("remote.table", defaultRemoteTable)
	configViper.SetDefault("remote.bucket", defaultRemoteBucket)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("local.data_file", defaultLocalDataFile)
	configViper.SetDefault("local.photo_dir", defaultLocalPhotoDir)
	configViper.SetDefault("local.photo_base_url", defaultLocalPhotoBaseURL)
	configViper.SetDefault("photo.max_size", defaultPhotoMaxSize)
	configViper.SetDefault("ratelimit.rps", defaultRateLimitRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("changefeed.redis_channel", defaultRedisChannel)
	configViper.SetDefault("client.api_url", defaultClientAPIURL)
	configViper.SetDefault("client.refetch_delay", defaultClientRefetchDelay)
	configViper.SetDefault("client.submit_timeout", defaultClientSubmitTimeout)
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	maxSize := strings.TrimSpace(configViper.GetString("photo.max_size"))
	photoMaxBytes, err := humanize.ParseBytes(maxSize)
	if err != nil {
		return AppConfig{}, fmt.Errorf("photo.max_size %q is not a size: %w", maxSize, err)
	}

	cfg := AppConfig{
		HTTPAddress: strings.TrimSpace(configViper.GetString("http.address")),
		CORSOrigins: configViper.GetStringSlice("http.cors_origins"),
		LogLevel:    configViper.GetString("log.level"),
		LogFormat:   configViper.GetString("log.format"),
		Provider:    Provider(strings.ToLower(strings.TrimSpace(configViper.GetString("backend.provider")))),
		Remote: RemoteConfig{
			URL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.url")), "/"),
			AnonKey:    strings.TrimSpace(configViper.GetString("remote.anon_key")),
			ServiceKey: strings.TrimSpace(configViper.GetString("remote.service_key")),
			JWTSecret:  strings.TrimSpace(configViper.GetString("remote.jwt_secret")),
			Table:      strings.TrimSpace(configViper.GetString("remote.table")),
			Bucket:     strings.TrimSpace(configViper.GetString("remote.bucket")),
			Timeout:    configViper.GetDuration("remote.timeout"),
		},
		DatabaseDSN: strings.TrimSpace(configViper.GetString("database.dsn")),
		Local: LocalConfig{
			DataFile:     strings.TrimSpace(configViper.GetString("local.data_file")),
			PhotoDir:     strings.TrimSpace(configViper.GetString("local.photo_dir")),
			PhotoBaseURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("local.photo_base_url")), "/"),
		},
		PhotoMaxBytes: int64(photoMaxBytes),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: configViper.GetFloat64("ratelimit.rps"),
			Burst:             configViper.GetInt("ratelimit.burst"),
		},
		ChangeFeed: ChangeFeedConfig{
			RedisURL:     strings.TrimSpace(configViper.GetString("changefeed.redis_url")),
			RedisChannel: strings.TrimSpace(configViper.GetString("changefeed.redis_channel")),
		},
		Client: ClientConfig{
			APIURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("client.api_url")), "/"),
			RefetchDelay:  configViper.GetDuration("client.refetch_delay"),
			SubmitTimeout: configViper.GetDuration("client.submit_timeout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ResolvedProvider turns auto into the concrete store: the hosted project when configured,
// then a SQL database when a dsn is set, otherwise the local JSON file.
func (c AppConfig) ResolvedProvider() Provider {
	if c.Provider != ProviderAuto && c.Provider != "" {
		return c.Provider
	}
	switch {
	case c.Remote.Configured():
		return ProviderSupabase
	case c.DatabaseDSN != "":
		return ProviderSQL
	default:
		return ProviderLocal
	}
}

func (c AppConfig) validate() error {
	switch c.Provider {
	case ProviderAuto, ProviderSupabase, ProviderSQL, ProviderLocal:
	default:
		return fmt.Errorf("backend.provider %q must be one of auto, supabase, sql, local", c.Provider)
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.PhotoMaxBytes <= 0 {
		return fmt.Errorf("photo.max_size must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("ratelimit.burst must be positive when ratelimit.rps is set")
	}
	if c.Remote.URL != "" {
		if err := validateHTTPURL("remote.url", c.Remote.URL); err != nil {
			return err
		}
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Client.RefetchDelay < 0 || c.Client.SubmitTimeout <= 0 {
		return fmt.Errorf("client.refetch_delay must not be negative and client.submit_timeout must be positive")
	}

	switch c.ResolvedProvider() {
	case ProviderSupabase:
		if !c.Remote.Configured() {
			return fmt.Errorf("remote.url and one of remote.service_key, remote.jwt_secret, remote.anon_key are required for the supabase provider")
		}
	case ProviderSQL:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for the sql provider")
		}
		if c.Local.PhotoDir == "" {
			return fmt.Errorf("local.photo_dir is required for the sql provider")
		}
	case ProviderLocal:
		if c.Local.DataFile == "" {
			return fmt.Errorf("local.data_file is required for the local provider")
		}
		if c.Local.PhotoDir == "" {
			return fmt.Errorf("local.photo_dir is required for the local provider")
		}
	}
	return nil
}

func validateHTTPURL(key, value string) error {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%s %q must be an absolute http(s) url", key, value)
	}
	return nil
}
