package config

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvAppliesDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.APIPort != 17171 {
		t.Fatalf("APIPort = %d, want 17171", c.APIPort)
	}
	if c.APIHost != "127.0.0.1" {
		t.Fatalf("APIHost = %q", c.APIHost)
	}
	if c.LogLevel != zerolog.InfoLevel {
		t.Fatalf("LogLevel = %v, want info", c.LogLevel)
	}
	if !c.LogPretty {
		t.Fatal("LogPretty should default to true")
	}
	if c.ShellLockTimeout != 300*time.Millisecond {
		t.Fatalf("ShellLockTimeout = %v, want 300ms", c.ShellLockTimeout)
	}
	if c.ConnectTimeout != 5*time.Second || c.ReadTimeout != 8*time.Second {
		t.Fatalf("ConnectTimeout=%v ReadTimeout=%v", c.ConnectTimeout, c.ReadTimeout)
	}
}

func TestUnmarshalEnvOverridesDefaults(t *testing.T) {
	var c Config
	env := []string{
		"ADBHOSTD_PORT=9999",
		"ADBHOSTD_LOG_LEVEL=debug",
		"ADBHOSTD_LOG_PRETTY=false",
		"ADBHOSTD_KEYSTORE_PATH=/tmp/custom.db",
		"ADBHOSTD_SHELL_LOCK_TIMEOUT=1s",
	}
	if err := c.UnmarshalEnv(env); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.APIPort != 9999 {
		t.Fatalf("APIPort = %d", c.APIPort)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Fatalf("LogLevel = %v", c.LogLevel)
	}
	if c.LogPretty {
		t.Fatal("LogPretty should be false")
	}
	if c.KeystorePath != "/tmp/custom.db" {
		t.Fatalf("KeystorePath = %q", c.KeystorePath)
	}
	if c.ShellLockTimeout != time.Second {
		t.Fatalf("ShellLockTimeout = %v", c.ShellLockTimeout)
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	c := Config{APIPort: 0}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for port 0")
	}
	c.APIPort = 70000
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for port 70000")
	}
	c.APIPort = 17171
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestReadEnvFileParsesShellStyleAssignments(t *testing.T) {
	r := strings.NewReader("ADBHOSTD_PORT=18000\nADBHOSTD_LOG_LEVEL=warn\n")
	env, err := ReadEnvFile(r)
	if err != nil {
		t.Fatalf("ReadEnvFile: %v", err)
	}

	var c Config
	if err := c.UnmarshalEnv(env); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.APIPort != 18000 {
		t.Fatalf("APIPort = %d", c.APIPort)
	}
	if c.LogLevel != zerolog.WarnLevel {
		t.Fatalf("LogLevel = %v", c.LogLevel)
	}
}
