// Package config loads server settings from flags, environment variables and
// an optional config file.
//
// Package config는 플래그, 환경 변수, 선택적 설정 파일에서 서버 설정을 읽어옵니다.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/appcontext"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/engine"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/request"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/server"
)

// EnvPrefix prefixes every environment variable, e.g. HTTPCORE_MAX_THREADS.
const EnvPrefix = "HTTPCORE"

// Environments that include error details in default error pages.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// RemoteAddress selects how the peer address of a request is determined.
// RemoteAddress는 요청의 상대 주소를 결정하는 방식을 선택합니다.
type RemoteAddress struct {
	Mode   string `mapstructure:"mode"`
	Value  string `mapstructure:"value"`
	Header string `mapstructure:"header"`
}

// Limits mirrors request.Limits.
type Limits struct {
	MaxHeaderBytes  int    `mapstructure:"max_header_bytes"`
	MaxBufferedBody int64  `mapstructure:"max_buffered_body"`
	MaxChunkHeader  int    `mapstructure:"max_chunk_header"`
	MaxChunkExcess  int64  `mapstructure:"max_chunk_excess"`
	TempDir         string `mapstructure:"temp_dir"`
}

// Config is the complete server configuration.
// Config는 전체 서버 설정입니다.
type Config struct {
	Environment        string        `mapstructure:"environment"`
	LogLevel           string        `mapstructure:"log_level"`
	Binds              []string      `mapstructure:"binds"`
	RemoteAddress      RemoteAddress `mapstructure:"remote_address"`
	MinThreads         int           `mapstructure:"min_threads"`
	MaxThreads         int           `mapstructure:"max_threads"`
	QueueRequests      bool          `mapstructure:"queue_requests"`
	FirstDataTimeout   time.Duration `mapstructure:"first_data_timeout"`
	PersistentTimeout  time.Duration `mapstructure:"persistent_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxFastInline      int           `mapstructure:"max_fast_inline"`
	ForceShutdownAfter time.Duration `mapstructure:"force_shutdown_after"`
	AutoTrim           time.Duration `mapstructure:"auto_trim_time"`
	Reaping            time.Duration `mapstructure:"reaping_time"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	ReusePort          bool          `mapstructure:"reuse_port"`
	Limits             Limits        `mapstructure:"limits"`
}

// Default returns the built-in settings.
// Default는 기본 설정을 반환합니다.
func Default() Config {
	l := request.DefaultLimits()
	return Config{
		Environment:        EnvProduction,
		LogLevel:           "info",
		Binds:              []string{":8080"},
		RemoteAddress:      RemoteAddress{Mode: "socket"},
		MinThreads:         0,
		MaxThreads:         16,
		QueueRequests:      true,
		FirstDataTimeout:   30 * time.Second,
		PersistentTimeout:  20 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxFastInline:      10,
		ForceShutdownAfter: -1,
		AutoTrim:           30 * time.Second,
		Reaping:            time.Second,
		ShutdownGrace:      5 * time.Second,
		ReusePort:          true,
		Limits: Limits{
			MaxHeaderBytes:  l.MaxHeaderBytes,
			MaxBufferedBody: l.MaxBufferedBody,
			MaxChunkHeader:  l.MaxChunkHeader,
			MaxChunkExcess:  l.MaxChunkExcess,
		},
	}
}

// flags maps command line flags to config keys.
var flags = []struct {
	name, key, usage string
}{
	{"environment", "environment", "development, test or production"},
	{"log-level", "log_level", "debug, info, warn or error"},
	{"bind", "binds", "addresses to listen on"},
	{"remote-address", "remote_address.mode", "socket, value, header or proxy_protocol"},
	{"remote-address-value", "remote_address.value", "peer address reported in value mode"},
	{"remote-address-header", "remote_address.header", "header holding the peer address in header mode"},
	{"min-threads", "min_threads", "minimum number of workers"},
	{"max-threads", "max_threads", "maximum number of workers"},
	{"queue-requests", "queue_requests", "buffer slow requests in the reactor"},
	{"first-data-timeout", "first_data_timeout", "time a new connection has to send a request"},
	{"persistent-timeout", "persistent_timeout", "idle time allowed on a kept-alive connection"},
	{"write-timeout", "write_timeout", "socket write timeout"},
	{"idle-timeout", "idle_timeout", "event loop idle timeout, 0 to disable"},
	{"request-timeout", "request_timeout", "handler deadline, 0 to disable"},
	{"max-fast-inline", "max_fast_inline", "requests served back to back before yielding to a backlog"},
	{"force-shutdown-after", "force_shutdown_after", "wait before interrupting handlers on stop, negative waits forever"},
	{"auto-trim-time", "auto_trim_time", "idle worker trim interval"},
	{"reaping-time", "reaping_time", "dead worker reaping interval"},
	{"shutdown-grace", "shutdown_grace", "grace period for interrupted workers"},
	{"reuse-port", "reuse_port", "listen with SO_REUSEPORT"},
}

// BindFlags registers the command line flags on fs with their default values.
// BindFlags는 fs에 커맨드라인 플래그를 기본값과 함께 등록합니다.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	for _, f := range flags {
		switch f.key {
		case "environment":
			fs.String(f.name, d.Environment, f.usage)
		case "log_level":
			fs.String(f.name, d.LogLevel, f.usage)
		case "binds":
			fs.StringSlice(f.name, d.Binds, f.usage)
		case "remote_address.mode":
			fs.String(f.name, d.RemoteAddress.Mode, f.usage)
		case "remote_address.value", "remote_address.header":
			fs.String(f.name, "", f.usage)
		case "min_threads":
			fs.Int(f.name, d.MinThreads, f.usage)
		case "max_threads":
			fs.Int(f.name, d.MaxThreads, f.usage)
		case "max_fast_inline":
			fs.Int(f.name, d.MaxFastInline, f.usage)
		case "queue_requests":
			fs.Bool(f.name, d.QueueRequests, f.usage)
		case "reuse_port":
			fs.Bool(f.name, d.ReusePort, f.usage)
		default:
			fs.Duration(f.name, durationDefault(d, f.key), f.usage)
		}
	}
}

func durationDefault(d Config, key string) time.Duration {
	switch key {
	case "first_data_timeout":
		return d.FirstDataTimeout
	case "persistent_timeout":
		return d.PersistentTimeout
	case "write_timeout":
		return d.WriteTimeout
	case "idle_timeout":
		return d.IdleTimeout
	case "request_timeout":
		return d.RequestTimeout
	case "force_shutdown_after":
		return d.ForceShutdownAfter
	case "auto_trim_time":
		return d.AutoTrim
	case "reaping_time":
		return d.Reaping
	case "shutdown_grace":
		return d.ShutdownGrace
	}
	return 0
}

// NewViper returns a viper instance with defaults, environment lookup and,
// when fs is not nil, the flags registered by BindFlags.
// NewViper는 기본값, 환경 변수 조회, 그리고 fs가 주어지면 BindFlags로 등록한 플래그가 연결된 viper를 반환합니다.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs == nil {
		return v, nil
	}
	for _, f := range flags {
		fl := fs.Lookup(f.name)
		if fl == nil {
			continue
		}
		if err := v.BindPFlag(f.key, fl); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("environment", d.Environment)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("binds", d.Binds)
	v.SetDefault("remote_address.mode", d.RemoteAddress.Mode)
	v.SetDefault("remote_address.value", d.RemoteAddress.Value)
	v.SetDefault("remote_address.header", d.RemoteAddress.Header)
	v.SetDefault("min_threads", d.MinThreads)
	v.SetDefault("max_threads", d.MaxThreads)
	v.SetDefault("queue_requests", d.QueueRequests)
	v.SetDefault("max_fast_inline", d.MaxFastInline)
	v.SetDefault("reuse_port", d.ReusePort)
	for _, key := range []string{
		"first_data_timeout", "persistent_timeout", "write_timeout", "idle_timeout", "request_timeout",
		"force_shutdown_after", "auto_trim_time", "reaping_time", "shutdown_grace",
	} {
		v.SetDefault(key, durationDefault(d, key))
	}
	v.SetDefault("limits.max_header_bytes", d.Limits.MaxHeaderBytes)
	v.SetDefault("limits.max_buffered_body", d.Limits.MaxBufferedBody)
	v.SetDefault("limits.max_chunk_header", d.Limits.MaxChunkHeader)
	v.SetDefault("limits.max_chunk_excess", d.Limits.MaxChunkExcess)
	v.SetDefault("limits.temp_dir", d.Limits.TempDir)
}

// Load reads the optional config file and decodes every source into a Config.
// Load는 선택적 설정 파일을 읽고 모든 소스를 Config로 디코딩합니다.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// InvalidConfigError reports a setting that cannot be used.
// InvalidConfigError는 사용할 수 없는 설정을 보고합니다.
type InvalidConfigError struct {
	Key   string
	Cause error
}

// Error implements the error interface.
func (e InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e InvalidConfigError) Unwrap() error {
	return e.Cause
}

var (
	ErrOutOfRange = errors.New("value out of range")
	ErrEmpty      = errors.New("value is empty")
)

// Validate checks the settings that would otherwise fail at run time.
// Validate는 실행 중에 실패할 설정을 미리 검사합니다.
func (c Config) Validate() error {
	var errs []error
	if len(c.Binds) == 0 {
		errs = append(errs, InvalidConfigError{Key: "binds", Cause: ErrEmpty})
	}
	if c.MaxThreads < 1 {
		errs = append(errs, InvalidConfigError{Key: "max_threads", Cause: ErrOutOfRange})
	}
	if c.MinThreads < 0 || c.MinThreads > c.MaxThreads {
		errs = append(errs, InvalidConfigError{Key: "min_threads", Cause: fmt.Errorf("%w: must be between 0 and max_threads", ErrOutOfRange)})
	}
	if c.MaxFastInline < 0 {
		errs = append(errs, InvalidConfigError{Key: "max_fast_inline", Cause: ErrOutOfRange})
	}
	switch c.Environment {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		errs = append(errs, InvalidConfigError{Key: "environment", Cause: fmt.Errorf("unknown environment %q", c.Environment)})
	}
	mode, err := appcontext.ParseRemoteAddrMode(c.RemoteAddress.Mode)
	if err != nil {
		errs = append(errs, InvalidConfigError{Key: "remote_address.mode", Cause: err})
	}
	if mode == appcontext.RemoteAddrHeader && c.RemoteAddress.Header == "" {
		errs = append(errs, InvalidConfigError{Key: "remote_address.header", Cause: ErrEmpty})
	}
	return errors.Join(errs...)
}

// Development reports whether error details may be shown to clients.
func (c Config) Development() bool {
	return c.Environment == EnvDevelopment || c.Environment == EnvTest
}

// Listeners returns one listener per bind sharing the remote address policy.
// Listeners는 상대 주소 정책을 공유하는 바인드별 리스너를 반환합니다.
func (c Config) Listeners() []appcontext.Listener {
	mode, _ := appcontext.ParseRemoteAddrMode(c.RemoteAddress.Mode)
	ls := make([]appcontext.Listener, 0, len(c.Binds))
	for _, b := range c.Binds {
		ls = append(ls, appcontext.Listener{
			Addr:   b,
			Mode:   mode,
			Value:  c.RemoteAddress.Value,
			Header: c.RemoteAddress.Header,
		})
	}
	return ls
}

// RequestLimits converts Limits for the request parser.
func (c Config) RequestLimits() request.Limits {
	return request.Limits{
		MaxHeaderBytes:  c.Limits.MaxHeaderBytes,
		MaxBufferedBody: c.Limits.MaxBufferedBody,
		MaxChunkHeader:  c.Limits.MaxChunkHeader,
		MaxChunkExcess:  c.Limits.MaxChunkExcess,
		TempDir:         c.Limits.TempDir,
	}
}

// EngineOptions returns the engine settings.
// EngineOptions는 엔진 설정을 반환합니다.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithRequestTimeout(c.RequestTimeout),
		engine.WithLeakErrors(c.Development()),
	}
}

// ServerOptions returns the server settings.
// ServerOptions는 서버 설정을 반환합니다.
func (c Config) ServerOptions() []server.Option {
	return []server.Option{
		server.WithListeners(c.Listeners()...),
		server.WithThreads(c.MinThreads, c.MaxThreads),
		server.WithQueueRequests(c.QueueRequests),
		server.WithFirstDataTimeout(c.FirstDataTimeout),
		server.WithPersistentTimeout(c.PersistentTimeout),
		server.WithWriteTimeout(c.WriteTimeout),
		server.WithIdleTimeout(c.IdleTimeout),
		server.WithMaxFastInline(c.MaxFastInline),
		server.WithForceShutdownAfter(c.ForceShutdownAfter),
		server.WithAutoTrim(c.AutoTrim),
		server.WithReaping(c.Reaping),
		server.WithShutdownGrace(c.ShutdownGrace),
		server.WithReusePort(c.ReusePort),
		server.WithLimits(c.RequestLimits()),
	}
}
