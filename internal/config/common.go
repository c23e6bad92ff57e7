package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvFile names the dotenv file layered under the process environment.
const (
	EnvFile        = "CALL_ENV_FILE"
	DefaultEnvFile = ".env"
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
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; running out of
// ports shows up as hard-to-debug connectivity failures.
const recommendedWebRTCUDPPortRangeSize = 100

type Logging struct {
	Format LogFormat
	Level  slog.Level
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	var handler slog.Handler
	switch cfg.Format {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// WithDotenv layers the file named by CALL_ENV_FILE (default .env) under
// lookup: values present in lookup win. A missing default file is not an
// error; a missing explicitly named file is.
func WithDotenv(lookup func(string) (string, bool)) (func(string) (string, bool), error) {
	path, explicit := lookup(EnvFile)
	path = strings.TrimSpace(path)
	explicit = explicit && path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("read %s %q: %w", EnvFile, path, err)
	}

	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
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

// logDefaults resolves the flag defaults for log format and level; explicit
// env values win over the mode-derived defaults.
type logDefaults struct {
	formatSet bool
	levelSet  bool
	format    string
	level     string
}

func resolveLogDefaults(lookup func(string) (string, bool), formatKey, levelKey, mode string) logDefaults {
	var d logDefaults
	if v, ok := lookup(formatKey); ok && v != "" {
		d.formatSet, d.format = true, v
	} else {
		d.format = defaultLogFormatForMode(mode)
	}
	if v, ok := lookup(levelKey); ok && v != "" {
		d.levelSet, d.level = true, v
	} else {
		d.level = defaultLogLevelForMode(mode)
	}
	return d
}

// finishLogging applies mode-derived defaults after flag parsing when neither
// env nor flag chose a value.
func finishLogging(d logDefaults, setFlags map[string]bool, mode Mode, formatStr, levelStr string) (Logging, error) {
	if !d.formatSet && !setFlags["log-format"] {
		formatStr = defaultLogFormatForMode(string(mode))
	}
	if !d.levelSet && !setFlags["log-level"] {
		levelStr = defaultLogLevelForMode(string(mode))
	}
	format, err := parseLogFormat(formatStr)
	if err != nil {
		return Logging{}, err
	}
	level, err := parseLogLevel(levelStr)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Format: format, Level: level}, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

// parseAPIKeys parses "key:user,key2:user2".
func parseAPIKeys(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range splitCommaSeparated(raw) {
		key, user, ok := strings.Cut(entry, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("invalid %s entry %q (expected key:user)", envVarAPIKeys, entry)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate key in %s", envVarAPIKeys)
		}
		out[key] = user
	}
	return out, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}
		normalized, err := normalizeOrigin(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q: %w", entry, err)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// normalizeOrigin lowercases scheme and host and rejects anything an Origin
// header cannot carry.
func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("expected http or https origin")
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", fmt.Errorf("expected full origin like https://example.com")
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("origin must not include a path")
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func portRange(minRaw, maxRaw uint) (*UDPPortRange, error) {
	if minRaw == 0 && maxRaw == 0 {
		return nil, nil
	}
	if (minRaw == 0) != (maxRaw == 0) {
		return nil, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	lo, err := parsePortUint(minRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
	}
	hi, err := parsePortUint(maxRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
	}
	if hi < lo {
		return nil, fmt.Errorf("%s must be >= %s", envVarWebRTCUDPPortMax, envVarWebRTCUDPPortMin)
	}
	if int(hi)-int(lo)+1 < recommendedWebRTCUDPPortRangeSize {
		return nil, fmt.Errorf("%s..%s range %d-%d too small (need at least %d ports)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax, lo, hi, recommendedWebRTCUDPPortRangeSize)
	}
	return &UDPPortRange{Min: lo, Max: hi}, nil
}
