// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads mTunnel's tunnel file and process settings.
//
// The tunnel file is TOML and maps tunnel names to forwarding rules:
//
//	[tunnels.web]
//	listen   = "127.0.0.1:8080"
//	remote   = "example.com:443"
//	sni_addr = "www.example.com"
//	ssl_cert = "/etc/mtunnel/example.der"
//
// Process settings come from the environment (optionally seeded by a .env
// file) and are prefixed with MTUNNEL_.
package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	mterrors "github.com/absmach/mtunnel/pkg/errors"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultFile is the tunnel file used when none is given.
const DefaultFile = "stunnel.toml"

// EnvPrefix prefixes every process setting variable.
const EnvPrefix = "MTUNNEL_"

// Duration is a time.Duration read from a TOML string such as "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Tunnel is one forwarding rule as written in the tunnel file.
type Tunnel struct {
	Listen      string   `toml:"listen"`
	Remote      string   `toml:"remote"`
	SNIAddr     string   `toml:"sni_addr"`
	SSLCert     string   `toml:"ssl_cert"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

// File is the parsed tunnel file.
type File struct {
	Tunnels map[string]Tunnel `toml:"tunnels"`
}

// Names returns tunnel names in a stable order.
func (f File) Names() []string {
	names := make([]string, 0, len(f.Tunnels))
	for name := range f.Tunnels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads and validates the tunnel file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates TOML tunnel definitions.
func Parse(data []byte) (File, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return File{}, mterrors.Mark(mterrors.ErrInvalidConfig, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return File{}, fmt.Errorf("%w: unknown key %s", mterrors.ErrInvalidConfig, undecoded[0])
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks every tunnel and rejects duplicate listen addresses.
// Listeners on port 0 never collide and are exempt.
func (f File) Validate() error {
	if len(f.Tunnels) == 0 {
		return fmt.Errorf("%w: no tunnels defined", mterrors.ErrInvalidConfig)
	}

	owners := make(map[string]string, len(f.Tunnels))
	for _, name := range f.Names() {
		t := f.Tunnels[name]
		if err := t.validate(); err != nil {
			return fmt.Errorf("%w: tunnel %q: %v", mterrors.ErrInvalidConfig, name, err)
		}
		_, port, _ := net.SplitHostPort(t.Listen)
		if port == "0" {
			continue
		}
		if prev, ok := owners[t.Listen]; ok {
			return fmt.Errorf("%w: %s used by tunnels %q and %q", mterrors.ErrDuplicateListen, t.Listen, prev, name)
		}
		owners[t.Listen] = name
	}
	return nil
}

func (t Tunnel) validate() error {
	if t.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if t.Remote == "" {
		return fmt.Errorf("remote is required")
	}
	if err := checkHostPort(t.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := checkHostPort(t.Remote); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if t.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	return nil
}

// checkHostPort checks syntax only. Names are resolved per tunnel later so
// an unknown host or service drops just that tunnel.
func checkHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("missing port in address %q", addr)
	}
	return nil
}

// Process holds settings that shape the process rather than the tunnels.
type Process struct {
	ConfigFile      string        `env:"CONFIG_FILE"      envDefault:"stunnel.toml"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"text"`
	MetricsAddr     string        `env:"METRICS_ADDR"     envDefault:""`
	HealthAddr      string        `env:"HEALTH_ADDR"      envDefault:""`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// LoadProcess reads process settings, loading envFiles first when present.
// A missing .env file is not an error.
func LoadProcess(envFiles ...string) (Process, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Process{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var p Process
	if err := env.ParseWithOptions(&p, env.Options{Prefix: EnvPrefix}); err != nil {
		return Process{}, mterrors.Mark(mterrors.ErrInvalidConfig, err)
	}
	return p, nil
}
