package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `ssh:
  key_path: /home/op/.ssh/id_ed25519
  port: 2222
  host_key_policy: warn
transfer:
  method: blocksync
  parallel: 8
  bandwidth_limit: 100M
libvirt:
  uri: qemu+ssh:///system
  image_base_dirs:
    - /var/lib/libvirt/images
logging:
  level: DEBUG
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SSH.Port != 2222 {
		t.Errorf("SSH.Port = %d, want 2222", cfg.SSH.Port)
	}
	if cfg.SSH.HostKeyPolicy != "warn" {
		t.Errorf("SSH.HostKeyPolicy = %q, want warn", cfg.SSH.HostKeyPolicy)
	}
	if cfg.Transfer.Parallel != 8 {
		t.Errorf("Transfer.Parallel = %d, want 8", cfg.Transfer.Parallel)
	}
	if len(cfg.Libvirt.ImageBaseDirs) != 1 {
		t.Errorf("Libvirt.ImageBaseDirs = %v", cfg.Libvirt.ImageBaseDirs)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := "ssh:\n  bogus_field: true\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an unknown key")
	}
}

func TestLoadRejectsInvalidHostKeyPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := "ssh:\n  host_key_policy: maybe\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an invalid host_key_policy")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if cfg.SSH.Port != 22 {
		t.Errorf("default SSH.Port = %d, want 22", cfg.SSH.Port)
	}
	if cfg.Transfer.Method != "rsync" {
		t.Errorf("default Transfer.Method = %q, want rsync", cfg.Transfer.Method)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("TESTPFX_SSH_PORT", "2022")
	os.Setenv("TESTPFX_BANDWIDTH_LIMIT", "50M")
	defer os.Unsetenv("TESTPFX_SSH_PORT")
	defer os.Unsetenv("TESTPFX_BANDWIDTH_LIMIT")

	cfg := EnvOverrides(Default(), "TESTPFX")
	if cfg.SSH.Port != 2022 {
		t.Errorf("SSH.Port = %d, want 2022", cfg.SSH.Port)
	}
	if cfg.Transfer.BandwidthLimit != "50M" {
		t.Errorf("Transfer.BandwidthLimit = %q, want 50M", cfg.Transfer.BandwidthLimit)
	}
}

func TestResolvePrefersExplicitPath(t *testing.T) {
	got := Resolve("/explicit/path.yaml")
	if got != "/explicit/path.yaml" {
		t.Errorf("Resolve = %q, want explicit path", got)
	}
}
