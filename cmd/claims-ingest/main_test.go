package main

import (
	"context"
	"testing"

	"github.com/claims/ingest/internal/config"
	"github.com/claims/ingest/internal/platform/intake"
)

func TestCommands(t *testing.T) {
	migrate := map[string]bool{}
	for _, c := range migrateCmd().Commands() {
		migrate[c.Name()] = true
	}
	if !migrate["up"] || !migrate["status"] {
		t.Errorf("expected migrate up and status, got %v", migrate)
	}

	refdata := map[string]bool{}
	for _, c := range refdataCmd().Commands() {
		refdata[c.Name()] = true
	}
	if !refdata["bootstrap"] || !refdata["check"] {
		t.Errorf("expected refdata bootstrap and check, got %v", refdata)
	}

	if runCmd().Flags().Lookup("once") == nil {
		t.Error("expected run --once flag")
	}
}

func TestSchemaFlag(t *testing.T) {
	cfg := &config.Config{DBSchema: "claims"}

	cmd := migrateCmd().Commands()[0]
	got, err := schemaFlag(cmd, cfg)
	if err != nil || got != "claims" {
		t.Errorf("expected default schema claims, got %q (%v)", got, err)
	}

	cmd.Flags().Set("schema", "bad-name;")
	if _, err := schemaFlag(cmd, cfg); err == nil {
		t.Error("expected invalid schema error")
	}
}

func TestOpenSource_LocalFS(t *testing.T) {
	dirs := intake.DirsUnder(t.TempDir())
	cfg := &config.Config{
		IntakeSource: config.SourceLocalFS,
		ReadyDir:     dirs.Ready,
		InflightDir:  dirs.Inflight,
		DoneDir:      dirs.Done,
		ErrorDir:     dirs.Error,
	}
	src, err := openSource(context.Background(), cfg, newLogger("test"))
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	if _, ok := src.(*intake.LocalFS); !ok {
		t.Errorf("expected *intake.LocalFS, got %T", src)
	}
}

func TestOpenPool_RequiresURL(t *testing.T) {
	if _, err := openPool(context.Background(), &config.Config{}, "claims"); err == nil {
		t.Error("expected error without DATABASE_URL")
	}
}
