package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/targetflow/config"
)

const sampleConfig = `{
  "profiles": [
    {
      "name": "prod",
      "database_parameters": "sqlite:///var/targetflow/prod.db",
      "maximum_successive_attempts": 5,
      "port": 7777,
      "tokens": [{"name": "ci", "secret": "s3cr3t"}]
    },
    {
      "name": "dev",
      "database_parameters": "memory://",
      "port": 7778
    }
  ]
}`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "targetflow.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSelectsNamedProfile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	p, err := config.Load(path, "prod")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Port != 7777 {
		t.Fatalf("expected port 7777, got %d", p.Port)
	}
	if p.MaximumSuccessiveAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", p.MaximumSuccessiveAttempts)
	}
	if len(p.Tokens) != 1 || p.Tokens[0].Name != "ci" {
		t.Fatalf("expected one ci token, got %+v", p.Tokens)
	}
}

func TestLoadSelectsProfileViaEnvVar(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv(config.ProfileEnvVar, "dev")

	p, err := config.Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Port != 7778 {
		t.Fatalf("expected port 7778 from env-selected profile, got %d", p.Port)
	}
}

func TestLoadUnknownProfileErrors(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	if _, err := config.Load(path, "nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown profile name")
	}
}

func TestSelectSingleProfileNoNameNeeded(t *testing.T) {
	f := config.File{Profiles: []config.Profile{{Name: "only", Port: 1234}}}
	p, err := config.Select(f, "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.Port != 1234 {
		t.Fatalf("expected the sole profile to be selected, got port %d", p.Port)
	}
}

func TestOptionsOverrideLoadedProfile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	p, err := config.Load(path, "prod", config.WithPort(9999), config.WithReadOnly(true))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Port != 9999 {
		t.Fatalf("expected option override to win, got port %d", p.Port)
	}
	if !p.ReadOnly {
		t.Fatal("expected WithReadOnly(true) to apply")
	}
}

func TestDefaultProfileHasSaneKnobs(t *testing.T) {
	p := config.Default()
	if p.DatabaseParameters != "memory://" {
		t.Fatalf("expected in-memory default store, got %q", p.DatabaseParameters)
	}
	if p.MaxBlockingTime() <= 0 {
		t.Fatal("expected a positive default max blocking time")
	}
}
