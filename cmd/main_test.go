// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/mtunnel/pkg/config"
	mterrors "github.com/absmach/mtunnel/pkg/errors"
)

func TestConfigPath(t *testing.T) {
	cases := []struct {
		name     string
		proc     config.Process
		args     []string
		expected string
	}{
		{name: "default", expected: config.DefaultFile},
		{name: "environment", proc: config.Process{ConfigFile: "env.toml"}, expected: "env.toml"},
		{name: "argument wins", proc: config.Process{ConfigFile: "env.toml"}, args: []string{"arg.toml"}, expected: "arg.toml"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := configPath(tc.proc, tc.args); got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	cases := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "warn", expected: slog.LevelWarn},
		{level: "error", expected: slog.LevelError},
		{level: "bogus", expected: slog.LevelInfo},
	}

	for _, tc := range cases {
		logger := setupLogger(tc.level, "json")
		if !logger.Enabled(context.Background(), tc.expected) {
			t.Errorf("%s: expected level %v enabled", tc.level, tc.expected)
		}
		if tc.expected > slog.LevelDebug && logger.Enabled(context.Background(), tc.expected-4) {
			t.Errorf("%s: expected level below %v disabled", tc.level, tc.expected)
		}
	}
}

func TestRun_NoListeners(t *testing.T) {
	cfgFile, err := os.CreateTemp(t.TempDir(), "*.toml")
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	cfgFile.WriteString(`
[tunnels.nohost]
listen = "127.0.0.1:0"
remote = "no-such-host.invalid:443"
`)
	cfgFile.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err = run(config.Process{}, []string{cfgFile.Name()}, logger)
	if !errors.Is(err, mterrors.ErrNoListeners) {
		t.Errorf("Expected ErrNoListeners, got %v", err)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(config.Process{}, []string{filepath.Join(t.TempDir(), "missing.toml")}, logger)
	if err == nil {
		t.Error("Expected error for missing config file")
	}
}
