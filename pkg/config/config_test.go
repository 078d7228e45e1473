// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

func TestParse_Valid(t *testing.T) {
	data := []byte(`
[tunnels.web]
listen = "127.0.0.1:8080"
remote = "example.com:443"

[tunnels.mail]
listen = "127.0.0.1:1143"
remote = "imap.example.com:993"
sni_addr = "mail.example.com"
ssl_cert = "/etc/mtunnel/mail.der"
idle_timeout = "5m"
`)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(f.Tunnels) != 2 {
		t.Fatalf("Expected 2 tunnels, got %d", len(f.Tunnels))
	}

	mail := f.Tunnels["mail"]
	if mail.SNIAddr != "mail.example.com" {
		t.Errorf("Expected sni_addr mail.example.com, got %q", mail.SNIAddr)
	}
	if mail.SSLCert != "/etc/mtunnel/mail.der" {
		t.Errorf("Expected ssl_cert path, got %q", mail.SSLCert)
	}
	if time.Duration(mail.IdleTimeout) != 5*time.Minute {
		t.Errorf("Expected idle timeout 5m, got %v", time.Duration(mail.IdleTimeout))
	}

	web := f.Tunnels["web"]
	if web.SNIAddr != "" || web.SSLCert != "" || web.IdleTimeout != 0 {
		t.Errorf("Expected optional fields to be empty, got %+v", web)
	}

	names := f.Names()
	if len(names) != 2 || names[0] != "mail" || names[1] != "web" {
		t.Errorf("Expected sorted names, got %v", names)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		data string
		err  error
	}{
		{
			name: "empty",
			data: ``,
			err:  mterrors.ErrInvalidConfig,
		},
		{
			name: "syntax",
			data: `[tunnels.web`,
			err:  mterrors.ErrInvalidConfig,
		},
		{
			name: "missing remote",
			data: "[tunnels.web]\nlisten = \"127.0.0.1:8080\"\n",
			err:  mterrors.ErrInvalidConfig,
		},
		{
			name: "missing port",
			data: "[tunnels.web]\nlisten = \"127.0.0.1\"\nremote = \"example.com:443\"\n",
			err:  mterrors.ErrInvalidConfig,
		},
		{
			name: "bad idle timeout",
			data: "[tunnels.web]\nlisten = \"127.0.0.1:1\"\nremote = \"example.com:443\"\nidle_timeout = \"soon\"\n",
			err:  mterrors.ErrInvalidConfig,
		},
		{
			name: "unknown key",
			data: "[tunnels.web]\nlisten = \"127.0.0.1:1\"\nremote = \"example.com:443\"\nsni = \"x\"\n",
			err:  mterrors.ErrInvalidConfig,
		},
		{
			name: "duplicate listen",
			data: "[tunnels.a]\nlisten = \"127.0.0.1:9000\"\nremote = \"a.example.com:443\"\n" +
				"[tunnels.b]\nlisten = \"127.0.0.1:9000\"\nremote = \"b.example.com:443\"\n",
			err: mterrors.ErrDuplicateListen,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if !errors.Is(err, tc.err) {
				t.Errorf("Expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestParse_EphemeralPortsNeverCollide(t *testing.T) {
	data := []byte(`
[tunnels.a]
listen = "127.0.0.1:0"
remote = "a.example.com:443"

[tunnels.b]
listen = "127.0.0.1:0"
remote = "b.example.com:443"
`)
	if _, err := Parse(data); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestParse_NamesAreNotResolved(t *testing.T) {
	data := []byte(`
[tunnels.svc]
listen = "127.0.0.1:nosuchsvc"
remote = "no-such-host.invalid:https"

[tunnels.empty]
listen = "127.0.0.1:"
remote = "example.com:443"
`)
	_, err := Parse(data)
	if !errors.Is(err, mterrors.ErrInvalidConfig) {
		t.Fatalf("Expected empty port to be rejected, got %v", err)
	}

	f := File{Tunnels: map[string]Tunnel{
		"svc": {Listen: "127.0.0.1:nosuchsvc", Remote: "no-such-host.invalid:https"},
	}}
	if err := f.Validate(); err != nil {
		t.Errorf("Expected unresolvable names to pass validation, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	content := "[tunnels.web]\nlisten = \"127.0.0.1:8080\"\nremote = \"example.com:443\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if f.Tunnels["web"].Remote != "example.com:443" {
		t.Errorf("Unexpected tunnel: %+v", f.Tunnels["web"])
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadProcess(t *testing.T) {
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"SHUTDOWN_TIMEOUT", "5s")

	dotenv := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(dotenv, []byte(EnvPrefix+"METRICS_ADDR=:9100\n"), 0o600); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvPrefix + "METRICS_ADDR") })

	p, err := LoadProcess(dotenv, filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if p.ConfigFile != DefaultFile {
		t.Errorf("Expected default config file, got %q", p.ConfigFile)
	}
	if p.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %q", p.LogLevel)
	}
	if p.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected shutdown timeout 5s, got %v", p.ShutdownTimeout)
	}
	if p.MetricsAddr != ":9100" {
		t.Errorf("Expected metrics addr from .env, got %q", p.MetricsAddr)
	}
}

func TestLoadProcess_Invalid(t *testing.T) {
	t.Setenv(EnvPrefix+"SHUTDOWN_TIMEOUT", "later")

	if _, err := LoadProcess(); !errors.Is(err, mterrors.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}
