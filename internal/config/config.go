package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

const EnvPrefix = "FRAGDL"

// Config is every user policy, read from flags, FRAGDL_* variables and an
// optional config file, in that order of precedence.
type Config struct {
	LimitRate         string   `mapstructure:"limit-rate" validate:"omitempty,bytesize"`
	ThrottledRate     string   `mapstructure:"throttled-rate" validate:"omitempty,bytesize"`
	Retries           string   `mapstructure:"retries" validate:"retries"`
	FragmentRetries   string   `mapstructure:"fragment-retries" validate:"retries"`
	FileAccessRetries string   `mapstructure:"file-access-retries" validate:"retries"`
	ExtractorRetries  string   `mapstructure:"extractor-retries" validate:"retries"`
	RetrySleep        []string `mapstructure:"retry-sleep" validate:"dive,retrysleep"`

	NoContinue      bool `mapstructure:"no-continue"`
	NoOverwrites    bool `mapstructure:"no-overwrites"`
	NoPart          bool `mapstructure:"no-part"`
	NoKeepPartial   bool `mapstructure:"no-keep-partial"`
	SkipUnavailable bool `mapstructure:"skip-unavailable-fragments"`

	Concurrency   int    `mapstructure:"concurrent-fragments" validate:"min=1,max=128"`
	HTTPChunkSize string `mapstructure:"http-chunk-size" validate:"omitempty,bytesize"`
	MaxBuffered   int    `mapstructure:"max-buffered" validate:"min=0"`

	FFmpegPath     string        `mapstructure:"ffmpeg-location" validate:"required"`
	PollInterval   time.Duration `mapstructure:"poll-interval" validate:"min=0"`
	LiveFromStart  bool          `mapstructure:"live-from-start"`
	ReconnectDelay time.Duration `mapstructure:"reconnect-delay" validate:"min=0"`
	MaxReconnects  int           `mapstructure:"max-reconnects" validate:"min=0"`
	S3Concurrency  int           `mapstructure:"s3-concurrency" validate:"min=1,max=64"`
	S3Profile      string        `mapstructure:"s3-profile"`

	Timeout        time.Duration `mapstructure:"timeout" validate:"min=0"`
	KATimeout      time.Duration `mapstructure:"keep-alive-timeout" validate:"min=0"`
	Proxy          string        `mapstructure:"proxy"`
	UserAgent      string        `mapstructure:"user-agent"`
	BearerToken    string        `mapstructure:"bearer-token"`
	Headers        []string      `mapstructure:"header" validate:"dive,contains=:"`
	HighThreadMode bool          `mapstructure:"high-thread-mode"`

	Workers int  `mapstructure:"workers" validate:"min=1,max=64"`
	Debug   bool `mapstructure:"debug"`
}

// RegisterFlags declares the policy flags with their defaults on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("limit-rate", "r", "", "Maximum download rate in bytes per second (e.g. 50K, 4.2M)")
	fs.String("throttled-rate", "", "Restart a transfer whose speed stays below this rate (e.g. 100K)")
	fs.StringP("retries", "R", "10", "Number of retries for whole requests, or \"infinite\"")
	fs.String("fragment-retries", "10", "Number of retries for a fragment, or \"infinite\"")
	fs.String("file-access-retries", "3", "Number of retries on file access errors, or \"infinite\"")
	fs.String("extractor-retries", "3", "Number of retries for manifest and session requests, or \"infinite\"")
	fs.StringArray("retry-sleep", nil, "Sleep between retries as [CLASS:]EXPR, e.g. fragment:exp=1:20 or linear=1::2; can be repeated")

	fs.Bool("no-continue", false, "Do not resume partially downloaded files")
	fs.Bool("no-overwrites", false, "Do not overwrite existing files")
	fs.Bool("no-part", false, "Write directly into the output file instead of a .part file")
	fs.Bool("no-keep-partial", false, "Delete the partial file when a download fails")
	fs.Bool("skip-unavailable-fragments", false, "Leave out fragments that cannot be downloaded instead of aborting")

	fs.IntP("concurrent-fragments", "N", 1, "Number of fragments (or chunks) downloaded concurrently")
	fs.String("http-chunk-size", "", "Range size for parallel downloads of a single file (e.g. 10M)")
	fs.Int("max-buffered", 0, "Fetched fragments held while waiting for an earlier one (default 2x concurrency)")

	fs.String("ffmpeg-location", "ffmpeg", "Path of the ffmpeg binary")
	fs.Duration("poll-interval", 5*time.Second, "Interval between live manifest refreshes")
	fs.Bool("live-from-start", false, "Download live streams from their first available fragment")
	fs.Duration("reconnect-delay", 10*time.Second, "Wait before reconnecting a dropped live session")
	fs.Int("max-reconnects", 0, "Give up a live session after this many reconnects (0 for never)")
	fs.Int("s3-concurrency", 5, "Parts downloaded concurrently for whole s3 objects")
	fs.String("s3-profile", "", "AWS profile used for s3:// URLs")

	fs.DurationP("timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	fs.DurationP("keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	fs.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., http://proxy.example.com:8080)")
	fs.StringP("user-agent", "a", "", "User agent (random browser agent if empty)")
	fs.String("bearer-token", "", "Bearer token sent with every request")
	fs.StringArrayP("header", "H", nil, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	fs.Bool("high-thread-mode", false, "Tune sockets for many concurrent connections")

	fs.IntP("workers", "w", 1, "Number of downloads run in parallel")
	fs.Bool("debug", false, "Enable debug logging")
}

// Load binds fs into v and returns the validated configuration. configFile
// is optional.
func Load(v *viper.Viper, fs *pflag.FlagSet, configFile string) (*Config, error) {
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		log.Debug().Str("op", "config/load").Msgf("Using config file %s", v.ConfigFileUsed())
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := newValidator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterValidation("retries", func(fl validator.FieldLevel) bool {
		_, err := ParseRetries(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("bytesize", func(fl validator.FieldLevel) bool {
		_, err := utils.ParseRate(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("retrysleep", func(fl validator.FieldLevel) bool {
		_, _, err := parseRetrySleep(fl.Field().String())
		return err == nil
	})
	return validate
}

// ParseRetries accepts a count or "infinite".
func ParseRetries(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inf", "infinite":
		return retry.Infinite, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid retry count %q", s)
	}
	return n, nil
}

// parseRetrySleep splits "[CLASS:]EXPR"; without a class the http class is meant.
func parseRetrySleep(s string) (retry.Class, retry.SleepFunc, error) {
	class := retry.ClassHTTP
	expr := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch c := retry.Class(prefix); c {
		case retry.ClassHTTP, retry.ClassFragment, retry.ClassFileAccess, retry.ClassExtractor:
			class, expr = c, rest
		}
	}
	f, err := retry.ParseSleep(expr)
	if err != nil {
		return "", nil, err
	}
	return class, f, nil
}

// EngineOptions converts the configuration into engine policies.
func (c *Config) EngineOptions() (engine.Options, error) {
	opts := engine.DefaultOptions()
	var err error
	if opts.RateLimit, err = utils.ParseRate(c.LimitRate); err != nil {
		return opts, err
	}
	if opts.ThrottledRate, err = utils.ParseRate(c.ThrottledRate); err != nil {
		return opts, err
	}
	if opts.HTTPChunkSize, err = utils.ParseRate(c.HTTPChunkSize); err != nil {
		return opts, err
	}
	counts := []struct {
		dst *int
		src string
	}{
		{&opts.Retries, c.Retries},
		{&opts.FragmentRetries, c.FragmentRetries},
		{&opts.FileAccessRetries, c.FileAccessRetries},
		{&opts.ExtractorRetries, c.ExtractorRetries},
	}
	for _, r := range counts {
		if *r.dst, err = ParseRetries(r.src); err != nil {
			return opts, err
		}
	}
	if len(c.RetrySleep) > 0 {
		opts.RetrySleep = make(map[retry.Class]retry.SleepFunc)
		for _, s := range c.RetrySleep {
			class, f, err := parseRetrySleep(s)
			if err != nil {
				return opts, err
			}
			opts.RetrySleep[class] = f
		}
	}

	opts.Continue = !c.NoContinue
	opts.Overwrite = !c.NoOverwrites
	opts.NoPart = c.NoPart
	opts.KeepPartial = !c.NoKeepPartial
	opts.SkipUnavailable = c.SkipUnavailable
	opts.Concurrency = c.Concurrency
	opts.MaxBuffered = c.MaxBuffered
	opts.FFmpegPath = c.FFmpegPath
	opts.PollInterval = c.PollInterval
	opts.LiveFromStart = c.LiveFromStart
	opts.ReconnectDelay = c.ReconnectDelay
	opts.MaxReconnects = c.MaxReconnects
	opts.S3Concurrency = c.S3Concurrency
	return opts, nil
}

func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		Timeout:        c.Timeout,
		KATimeout:      c.KATimeout,
		ProxyURL:       c.Proxy,
		UserAgent:      userAgent,
		BearerToken:    c.BearerToken,
		Headers:        utils.ParseHeaderArgs(c.Headers),
		HighThreadMode: c.HighThreadMode || c.Concurrency > 8,
	}
}
