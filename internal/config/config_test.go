package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Fatalf("port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if !cfg.IsFirstRun() {
		t.Fatalf("default config should need setup")
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"server":{"motd":"Hub","port":19133},"threads":{"player_threads":3,"async_workers":"auto"}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Motd != "Hub" || cfg.Server.Port != 19133 {
		t.Fatalf("overlay lost: %+v", cfg.Server)
	}
	if cfg.Network.BatchLimit != 500 || cfg.Network.DataLimit != 3145728 {
		t.Fatalf("defaults not kept: %+v", cfg.Network)
	}

	s := cfg.Settings()
	if s.PlayerThreads != 3 {
		t.Fatalf("player threads = %d, want 3", s.PlayerThreads)
	}
	if s.AsyncWorkers != AutoAsyncWorkers() {
		t.Fatalf("async workers = %d, want auto %d", s.AsyncWorkers, AutoAsyncWorkers())
	}

	// Re-save must have written the complete option set
	saved, _ := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if !strings.Contains(string(saved), `"batch_limit": 500`) {
		t.Fatalf("re-saved config missing defaults:\n%s", saved)
	}
}

func TestWorkerCountJSON(t *testing.T) {
	tests := []struct {
		in   string
		want WorkerCount
		err  bool
	}{
		{`"auto"`, 0, false},
		{`"AUTO"`, 0, false},
		{`8`, 8, false},
		{`"6"`, 6, false},
		{`"many"`, 0, true},
	}
	for _, tt := range tests {
		var w WorkerCount
		err := json.Unmarshal([]byte(tt.in), &w)
		if (err != nil) != tt.err {
			t.Fatalf("%s: err = %v", tt.in, err)
		}
		if !tt.err && w != tt.want {
			t.Fatalf("%s: got %d, want %d", tt.in, w, tt.want)
		}
	}

	out, _ := json.Marshal(WorkerCount(0))
	if string(out) != `"auto"` {
		t.Fatalf("zero marshals as %s", out)
	}
}

func TestAutoAsyncWorkersFloor(t *testing.T) {
	if AutoAsyncWorkers() < 4 {
		t.Fatalf("async workers below floor: %d", AutoAsyncWorkers())
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Synapse.Password = "0123456789abcdef"
	if r := Validate(cfg); !r.IsValid() {
		t.Fatalf("defaults with password should be valid: %v", r.Errors)
	}

	cfg.Network.CompressionLevel = 12
	cfg.Network.MaxMTU = 500
	cfg.Synapse.Password = "short"
	r := Validate(cfg)
	fields := map[string]bool{}
	for _, e := range r.Errors {
		fields[e.Field] = true
	}
	for _, f := range []string{"network.compression_level", "network.max_mtu", "synapse.password"} {
		if !fields[f] {
			t.Fatalf("expected error on %s, got %v", f, r.Errors)
		}
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	answers := strings.Join([]string{
		"Lobby",            // motd
		"",                 // port
		"50",               // max players
		"",                 // synapse port
		"abcdefabcdefabcd", // password
		"no",               // api
		"no",               // mqtt
	}, "\n") + "\n"

	if err := RunSetupWizard(cfg, strings.NewReader(answers), io.Discard); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	if cfg.Server.Motd != "Lobby" || cfg.Server.MaxPlayers != 50 {
		t.Fatalf("answers not applied: %+v", cfg.Server)
	}
	if cfg.IsFirstRun() {
		t.Fatalf("password should be set")
	}
}

func TestSetupWizardGeneratesPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader("\n\n\n\n\n\n\n"), &out); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	if len(cfg.Synapse.Password) != 16 {
		t.Fatalf("generated password %q", cfg.Synapse.Password)
	}
	if !strings.Contains(out.String(), "Generated password") {
		t.Fatalf("operator was not shown the password")
	}
}
