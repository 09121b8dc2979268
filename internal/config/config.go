// Package config loads dispatch configuration from the environment and sets
// up process-wide logging. All configuration is environment-driven; the only
// files dispatch ever reads are replica credential INIs, and those belong to
// the replica pool.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Version is the tool version reported in user agents and health output.
// Overridden at link time for releases.
var Version = "0.3.0"

// Exit codes for startup-fatal conditions.
const (
	ExitBadPort      = 128
	ExitMissingToken = 129
)

// FatalError is a startup failure that should terminate the process with a
// specific exit code before the HTTP listener binds.
type FatalError struct {
	Code int
	Msg  string
}

func (e *FatalError) Error() string { return e.Msg }

// Config is the resolved process configuration.
type Config struct {
	// OAuthToken is the owner-only OAuth 2 access token presented to the
	// action API as a bearer token.
	OAuthToken string

	// Port the HTTP surface listens on.
	Port int

	// RawLog switches the log format from JSON to plain text.
	RawLog bool

	// Root is the directory holding .logs/; defaults to the working dir.
	Root string
}

const defaultPort = 8080

// Load reads configuration from the environment. Startup-fatal problems are
// returned as *FatalError carrying the documented exit code.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.AutomaticEnv()

	token := strings.TrimSpace(v.GetString("SELF_OAUTH_ACCESS_TOKEN"))
	if token == "" {
		return nil, &FatalError{
			Code: ExitMissingToken,
			Msg:  "DISPATCH_SELF_OAUTH_ACCESS_TOKEN is not set",
		}
	}

	port := defaultPort
	raw := strings.TrimSpace(v.GetString("PORT"))
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 65535 {
			return nil, &FatalError{
				Code: ExitBadPort,
				Msg:  fmt.Sprintf("invalid port %q: must be an integer in 1-65535", raw),
			}
		}
		port = n
	}

	root, err := os.Getwd()
	if err != nil {
		root = "."
	}

	return &Config{
		OAuthToken: token,
		Port:       port,
		RawLog:     v.GetString("RAWLOG") != "",
		Root:       root,
	}, nil
}
