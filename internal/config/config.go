// Package config loads the daemon's environment-driven configuration: the
// API listen port, logging knobs, keystore path, and the session/shell
// timeouts the rest of the core relies on. The struct-tag-plus-reflection
// binder is deliberately small compared to a general-purpose config
// library, since the field set here is short and static.
package config

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable knob the daemon reads at startup.
// The env struct tag is `NAME=default` or `NAME?=default`; the `?` allows
// an explicitly empty environment value to override the default.
type Config struct {
	// APIPort is the HTTP API listen port, per spec.md §6.
	APIPort int `env:"ADBHOSTD_PORT=17171"`

	// APIHost is the interface the HTTP API binds to.
	APIHost string `env:"ADBHOSTD_HOST=127.0.0.1"`

	// LogLevel is the minimum zerolog level to emit.
	LogLevel zerolog.Level `env:"ADBHOSTD_LOG_LEVEL=info"`

	// LogPretty switches between zerolog's console writer and plain JSON.
	LogPretty bool `env:"ADBHOSTD_LOG_PRETTY=true"`

	// KeystorePath is the SQLite database file backing the identity keystore.
	KeystorePath string `env:"ADBHOSTD_KEYSTORE_PATH=adbhostd.db"`

	// ConnectTimeout bounds the initial TCP connect to the daemon.
	ConnectTimeout time.Duration `env:"ADBHOSTD_CONNECT_TIMEOUT=5s"`

	// ReadTimeout is loaded from the environment but no component reads it:
	// the session client applies its own fixed 8s deadline to handshake
	// reads only, and reads after the handshake have no deadline.
	ReadTimeout time.Duration `env:"ADBHOSTD_READ_TIMEOUT=8s"`

	// ShellLockTimeout bounds how long a caller waits for the shell lock
	// before observing Busy.
	ShellLockTimeout time.Duration `env:"ADBHOSTD_SHELL_LOCK_TIMEOUT=300ms"`
}

// Validate checks the range constraints spec.md §6 names explicitly.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("config: ADBHOSTD_PORT %d out of range 1..65535", c.APIPort)
	}
	return nil
}

// UnmarshalEnv binds es (a list of "KEY=VALUE" strings, as from os.Environ)
// onto c, applying the default embedded in each field's env tag when the
// corresponding key is absent.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		tag, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, def, _ := strings.Cut(tag, "=")
		unsettable := strings.HasSuffix(key, "?")
		key = strings.TrimSuffix(key, "?")

		val := def
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
		}

		field := cv.FieldByName(ctf.Name)
		if err := setField(field, val); err != nil {
			return fmt.Errorf("config: env %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, val string) error {
	switch field.Interface().(type) {
	case string:
		field.SetString(val)
	case int, int8, int16, int32, int64:
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("parse int %q: %w", val, err)
		}
		field.SetInt(v)
	case bool:
		v, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parse bool %q: %w", val, err)
		}
		field.SetBool(v)
	case time.Duration:
		v, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", val, err)
		}
		field.Set(reflect.ValueOf(v))
	case zerolog.Level:
		v, err := zerolog.ParseLevel(val)
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", val, err)
		}
		field.Set(reflect.ValueOf(v))
	default:
		return fmt.Errorf("unhandled field type %s", field.Type())
	}
	return nil
}

// ReadEnvFile parses r as a shell-style KEY=VALUE env file (the format
// deployment tooling typically drops next to the binary) and returns it in
// the same "KEY=VALUE" form UnmarshalEnv expects.
func ReadEnvFile(r io.Reader) ([]string, error) {
	m, err := envparse.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("config: parse env file: %w", err)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}
