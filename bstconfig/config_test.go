package bstconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream-go/bst-core/cmn/cerr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildstream.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cache-root: /var/cache/bst\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Headroom != DefaultHeadroomBytes {
		t.Fatalf("headroom = %d, want the production default", cfg.Headroom)
	}
	if cfg.WorkersBuild == 0 || cfg.WorkersFetch == 0 || cfg.WorkersPush == 0 {
		t.Fatal("worker pool sizes should default to non-zero")
	}
	if cfg.MaxRetries == 0 {
		t.Fatal("max-retries should default to non-zero")
	}
}

func TestLoadParsesRemotes(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
cache-root: /var/cache/bst
quota: 10G
headroom-bytes: 1
remotes:
  - address: cas1.example.com:11001
    push: true
    priority: 1
  - address: cas2.example.com:11001
    priority: 2
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quota != "10G" {
		t.Fatalf("quota = %q, want the raw expression", cfg.Quota)
	}
	if len(cfg.Remotes) != 2 || !cfg.Remotes[0].Push || cfg.Remotes[1].Push {
		t.Fatalf("remotes = %+v", cfg.Remotes)
	}
}

func TestLoadRejectsMissingCacheRoot(t *testing.T) {
	_, err := Load(writeConfig(t, "quota: 10G\n"))
	var ce *cerr.Error
	if !errors.As(err, &ce) || ce.Reason != cerr.InvalidData {
		t.Fatalf("want invalid-data for a missing cache-root, got %v", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var ce *cerr.Error
	if !errors.As(err, &ce) || ce.Reason != cerr.MissingFile {
		t.Fatalf("want missing-file, got %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "cache-root: [unterminated\n"))
	var ce *cerr.Error
	if !errors.As(err, &ce) || ce.Reason != cerr.InvalidYAML {
		t.Fatalf("want invalid-yaml, got %v", err)
	}
}
