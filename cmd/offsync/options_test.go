package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/offsync/offsync/internal/config"
)

func TestOptions_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.yaml")
	content := "data_dir: /from/file\nupstream:\n  base_url: https://file.example\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	opts := &Options{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse([]string{"-c", path, "--data-dir", "/from/flag", "--connectivity", "offline"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := opts.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/from/flag" {
		t.Errorf("data dir: %s", cfg.DataDir)
	}
	if cfg.Upstream.BaseURL != "https://file.example" {
		t.Errorf("upstream: %s", cfg.Upstream.BaseURL)
	}
	if cfg.Connectivity.Mode != config.ConnectivityOffline {
		t.Errorf("connectivity: %s", cfg.Connectivity.Mode)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCommand()
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "offsync version ") {
		t.Errorf("output: %q", out.String())
	}
}

func TestTablesCommand_EmptyStore(t *testing.T) {
	opts := &Options{DataDir: t.TempDir(), Connectivity: "offline", LogLevel: "error"}
	var out bytes.Buffer
	cmd := newTablesCommand(opts)
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected tables: %q", out.String())
	}
}

func TestSchemaCommand_UnknownTable(t *testing.T) {
	opts := &Options{DataDir: t.TempDir(), Connectivity: "offline", LogLevel: "error"}
	var out bytes.Buffer
	cmd := newSchemaCommand(opts)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"todoitem"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for a table with no recorded schema")
	}
}
