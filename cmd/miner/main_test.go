package main

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/bardlex/minelab/internal/config"
	"github.com/bardlex/minelab/internal/engine"
	"github.com/bardlex/minelab/internal/registry"
	"github.com/bardlex/minelab/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		CoordinatorURL:  "http://localhost:8480",
		MinerRole:       "sequential",
		BatchSize:       4096,
		RefreshInterval: 1000,
		LogLevel:        "error",
		LogFormat:       "json",
	}
}

func TestRootCmdFlagsOverrideConfig(t *testing.T) {
	cfg = testConfig()
	cmd := newRootCmd()

	err := cmd.ParseFlags([]string{
		"--coordinator", "http://coord:9000",
		"--miner-id", "bench-1",
		"--role", "batch",
		"--batch-size", "512",
		"--refresh", "8",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	if cfg.CoordinatorURL != "http://coord:9000" {
		t.Errorf("CoordinatorURL = %q", cfg.CoordinatorURL)
	}
	if cfg.MinerID != "bench-1" {
		t.Errorf("MinerID = %q", cfg.MinerID)
	}
	if cfg.MinerRole != "batch" {
		t.Errorf("MinerRole = %q", cfg.MinerRole)
	}
	if cfg.BatchSize != 512 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.RefreshInterval != 8 {
		t.Errorf("RefreshInterval = %d", cfg.RefreshInterval)
	}
}

func TestRootCmdShorthandFlags(t *testing.T) {
	cfg = testConfig()
	cmd := newRootCmd()

	if err := cmd.ParseFlags([]string{"-r", "batch", "-b", "64", "-m", "w1"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if cfg.MinerRole != "batch" || cfg.BatchSize != 64 || cfg.MinerID != "w1" {
		t.Errorf("shorthand flags not bound: role=%q batch=%d id=%q",
			cfg.MinerRole, cfg.BatchSize, cfg.MinerID)
	}
}

func TestWorkerIdentity(t *testing.T) {
	if got := workerIdentity("rig-7"); got != "rig-7" {
		t.Errorf("workerIdentity(rig-7) = %q", got)
	}

	got := workerIdentity("")
	if got == "" {
		t.Fatal("default identity is empty")
	}
	if !strings.HasSuffix(got, fmt.Sprintf("-%d", os.Getpid())) {
		t.Errorf("default identity %q does not end with pid", got)
	}
}

func TestBuildEngineSelectsByRole(t *testing.T) {
	cfg = testConfig()
	logger := log.New("miner-test", "test", "error", "json")

	eng := buildEngine(registry.RoleSequential, nil, logger, "w1")
	if _, ok := eng.(*engine.Sequential); !ok {
		t.Errorf("sequential role built %T", eng)
	}

	eng = buildEngine(registry.RoleBatch, nil, logger, "w1")
	if _, ok := eng.(*engine.Batch); !ok {
		t.Errorf("batch role built %T", eng)
	}
}

func TestRoleValidation(t *testing.T) {
	tests := []struct {
		role  string
		valid bool
	}{
		{"sequential", true},
		{"batch", true},
		{"", false},
		{"quantum", false},
		{"Sequential", false},
	}

	for _, tt := range tests {
		if got := registry.ValidRole(registry.Role(tt.role)); got != tt.valid {
			t.Errorf("ValidRole(%q) = %v, want %v", tt.role, got, tt.valid)
		}
	}
}
