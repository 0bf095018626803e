package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

const DefaultMode Mode = ModeDev

// Logging is shared by both binaries.
type Logging struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

// LoadDotEnv loads .env style files into the process environment. Variables
// that are already set win, and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// loggingFlags registers --mode, --log-format and --log-level. Env values
// become flag defaults; when neither env nor flag sets the format or level,
// they follow the (possibly flag-overridden) mode.
type loggingFlags struct {
	mode, format, level       string
	envFormatSet, envLevelSet bool
}

func newLoggingFlags(lookup func(string) (string, bool), fs *flag.FlagSet, modeKey, formatKey, levelKey string) *loggingFlags {
	lf := &loggingFlags{}

	modeDefault := string(DefaultMode)
	if v, _ := lookup(modeKey); v != "" {
		modeDefault = v
	}

	formatDefault, ok := lookup(formatKey)
	lf.envFormatSet = ok && formatDefault != ""
	if !lf.envFormatSet {
		formatDefault = defaultLogFormatForMode(modeDefault)
	}

	levelDefault, ok := lookup(levelKey)
	lf.envLevelSet = ok && levelDefault != ""
	if !lf.envLevelSet {
		levelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs.StringVar(&lf.mode, "mode", modeDefault, "Run mode: dev or prod (env "+modeKey+")")
	fs.StringVar(&lf.format, "log-format", formatDefault, "Log format: text or json (env "+formatKey+")")
	fs.StringVar(&lf.level, "log-level", levelDefault, "Log level: debug, info, warn, error (env "+levelKey+")")
	return lf
}

func (lf *loggingFlags) resolve(setFlags map[string]bool) (Logging, error) {
	mode, err := parseMode(lf.mode)
	if err != nil {
		return Logging{}, err
	}
	if !lf.envFormatSet && !setFlags["log-format"] {
		lf.format = defaultLogFormatForMode(string(mode))
	}
	if !lf.envLevelSet && !setFlags["log-level"] {
		lf.level = defaultLogLevelForMode(string(mode))
	}
	format, err := parseLogFormat(lf.format)
	if err != nil {
		return Logging{}, err
	}
	level, err := parseLogLevel(lf.level)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Mode: mode, LogFormat: format, LogLevel: level}, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (map[string]bool, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	return setFlags, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func isProd(mode string) bool {
	m, err := parseMode(mode)
	return err == nil && m == ModeProd
}

func defaultLogFormatForMode(mode string) string {
	if isProd(mode) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if isProd(mode) {
		return "info"
	}
	return "debug"
}

// parseEnum matches raw case-insensitively against the allowed values and
// their aliases.
func parseEnum[T ~string](what, raw string, allowed []T, aliases map[string]T) (T, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if a, ok := aliases[v]; ok {
		return a, nil
	}
	for _, want := range allowed {
		if v == string(want) {
			return want, nil
		}
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return "", fmt.Errorf("invalid %s %q (expected %s)", what, raw, strings.Join(names, " or "))
}

func parseMode(raw string) (Mode, error) {
	return parseEnum("mode", raw, []Mode{ModeDev, ModeProd},
		map[string]Mode{"development": ModeDev, "production": ModeProd})
}

func parseLogFormat(raw string) (LogFormat, error) {
	return parseEnum("log format", raw, []LogFormat{LogFormatText, LogFormatJSON}, nil)
}

func parseAuthMode(raw string) (AuthMode, error) {
	return parseEnum(EnvAuthMode, raw, []AuthMode{AuthModeNone, AuthModeJWT}, nil)
}

func parseLogLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "warning") {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil || raw == "" || strings.ContainsAny(raw, "+-") {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
	return level, nil
}

func parsePortString(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be 1-65535")
	}
	return uint16(n), nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
