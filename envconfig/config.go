package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via ENFORCER_ORIGINS in the environment
	AllowOrigins []string
	// Set via ENFORCER_AUTH_FILE in the environment
	AuthFile string
	// Set via ENFORCER_CACHE_SIZE in the environment
	CacheSize int
	// Set via ENFORCER_DEBUG in the environment
	Debug bool
	// Set via ENFORCER_DISABLE_AUTH in the environment
	DisableAuth bool
	// Set via ENFORCER_HOST in the environment
	Host string
	// Set via ENFORCER_TOKENIZER in the environment
	Tokenizer string
	// Set via ENFORCER_DEBUG=2 in the environment
	Trace bool
)

const (
	defaultHost      = "127.0.0.1"
	defaultPort      = "11500"
	defaultCacheSize = 4096
	defaultAuthFile  = "api_tokens.yml"
)

var ErrInvalidHostPort = errors.New("invalid port specified in ENFORCER_HOST")

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ENFORCER_AUTH_FILE":    {"ENFORCER_AUTH_FILE", AuthFile, "Path to the API key file (default \"api_tokens.yml\")"},
		"ENFORCER_CACHE_SIZE":   {"ENFORCER_CACHE_SIZE", CacheSize, "Entries per enforcer cache (default 4096)"},
		"ENFORCER_DEBUG":        {"ENFORCER_DEBUG", Debug, "Show additional debug information (e.g. ENFORCER_DEBUG=1, 2 for trace)"},
		"ENFORCER_DISABLE_AUTH": {"ENFORCER_DISABLE_AUTH", DisableAuth, "Skip API key checks"},
		"ENFORCER_HOST":         {"ENFORCER_HOST", Host, "IP Address for the enforcer server (default 127.0.0.1:11500)"},
		"ENFORCER_ORIGINS":      {"ENFORCER_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"ENFORCER_TOKENIZER":    {"ENFORCER_TOKENIZER", Tokenizer, "Path to a tokenizer.json, its directory, or a vocabulary file"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

// ParseHost normalizes an ENFORCER_HOST value to host:port, filling in the
// default address or port where either is missing.
func ParseHost(s string) (string, error) {
	s = strings.Trim(s, "\"' ")

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = defaultHost, defaultPort
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		} else if s != "" {
			host = s
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}

	return net.JoinHostPort(host, port), nil
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := clean("ENFORCER_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug, Trace = n > 0, n > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	host, err := ParseHost(clean("ENFORCER_HOST"))
	if err != nil {
		slog.Error("invalid setting, using default", "ENFORCER_HOST", clean("ENFORCER_HOST"), "error", err)
		host = net.JoinHostPort(defaultHost, defaultPort)
	}
	Host = host

	Tokenizer = clean("ENFORCER_TOKENIZER")

	CacheSize = defaultCacheSize
	if size := clean("ENFORCER_CACHE_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "ENFORCER_CACHE_SIZE", size, "error", err)
		} else {
			CacheSize = n
		}
	}

	DisableAuth = false
	if disable := clean("ENFORCER_DISABLE_AUTH"); disable != "" {
		d, err := strconv.ParseBool(disable)
		if err != nil {
			slog.Error("invalid setting, keeping auth enabled", "ENFORCER_DISABLE_AUTH", disable, "error", err)
		} else {
			DisableAuth = d
		}
	}

	AuthFile = defaultAuthFile
	if path := clean("ENFORCER_AUTH_FILE"); path != "" {
		AuthFile = path
	}

	AllowOrigins = nil
	if origins := clean("ENFORCER_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}
