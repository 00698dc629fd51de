// ABOUTME: Tests for CLI helpers in the mcp-gateway binary
// ABOUTME: Covers bound-port resolution for the health and servers subcommands

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/2389/mcp-gateway/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	return cfg
}

func TestResolveBaseURLFixedPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "127.0.0.1:8080"

	base, err := resolveBaseURL(cfg)
	if err != nil {
		t.Fatalf("resolveBaseURL: %v", err)
	}
	if base != "http://127.0.0.1:8080" {
		t.Errorf("base = %q, want http://127.0.0.1:8080", base)
	}
}

func TestResolveBaseURLEphemeralPortFromFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	if err := writePortFile(portFilePath(cfg), 54321); err != nil {
		t.Fatalf("writePortFile: %v", err)
	}

	base, err := resolveBaseURL(cfg)
	if err != nil {
		t.Fatalf("resolveBaseURL: %v", err)
	}
	if base != "http://127.0.0.1:54321" {
		t.Errorf("base = %q, want http://127.0.0.1:54321", base)
	}
}

func TestResolveBaseURLEphemeralPortNoFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	if _, err := resolveBaseURL(cfg); err == nil {
		t.Fatal("expected error when no port file exists")
	}
}

func TestResolveBaseURLRejectsGarbagePortFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	if err := os.WriteFile(portFilePath(cfg), []byte("not-a-port"), 0644); err != nil {
		t.Fatalf("writing port file: %v", err)
	}
	if _, err := resolveBaseURL(cfg); err == nil {
		t.Fatal("expected error for unparseable port file")
	}
}
