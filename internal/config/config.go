// Package config loads the core's YAML configuration file into a
// strongly typed FileConfig, rejecting unknown keys and applying the
// environment-variable/flag precedence chain from spec.md §6.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/foundryops/cloneforge/internal/command"
	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/model"
)

// SSHConfig is the `ssh:` section of the config file.
type SSHConfig struct {
	KeyPath        string `yaml:"key_path,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	HostKeyPolicy  string `yaml:"host_key_policy,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`
	RetryAttempts  int    `yaml:"retry_attempts,omitempty"`
}

// TransferConfig is the `transfer:` section of the config file.
type TransferConfig struct {
	Method         model.TransferMethod `yaml:"method,omitempty"`
	BandwidthLimit string               `yaml:"bandwidth_limit,omitempty"`
	Parallel       int                  `yaml:"parallel,omitempty"`
	Verify         bool                 `yaml:"verify,omitempty"`
}

// LibvirtConfig is the `libvirt:` section of the config file.
type LibvirtConfig struct {
	URI            string   `yaml:"uri,omitempty"`
	ImageBaseDirs  []string `yaml:"image_base_dirs,omitempty"`
	StagingSubdir  string   `yaml:"staging_subdir,omitempty"`
}

// LoggingConfig is the `logging:` section of the config file.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// FileConfig is the top-level shape of the YAML config file.
type FileConfig struct {
	SSH            SSHConfig      `yaml:"ssh,omitempty"`
	Transfer       TransferConfig `yaml:"transfer,omitempty"`
	Libvirt        LibvirtConfig  `yaml:"libvirt,omitempty"`
	Logging        LoggingConfig  `yaml:"logging,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty"`
}

// Default returns FileConfig populated with the core's built-in
// defaults, the last link in the precedence chain.
func Default() FileConfig {
	return FileConfig{
		SSH: SSHConfig{
			Port:          22,
			HostKeyPolicy: "strict",
			RetryAttempts: 3,
		},
		Transfer: TransferConfig{
			Method:   model.TransferMethodRsync,
			Parallel: 4,
		},
		Libvirt: LibvirtConfig{
			URI:           "qemu:///system",
			ImageBaseDirs: []string{"/var/lib/libvirt/images"},
			StagingSubdir: ".cloneforge-staging",
		},
		Logging:        LoggingConfig{Level: "INFO"},
		TimeoutSeconds: 3600,
	}
}

// SearchPaths returns the config file locations to try, in order, per
// spec.md §6: user-config, system-config, current directory.
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cloneforge", "config.yaml"))
	}
	paths = append(paths, "/etc/cloneforge/config.yaml")
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "cloneforge.yaml"))
	}
	return paths
}

// Resolve finds the first existing config path among SearchPaths, or
// explicitPath if it is non-empty (the --config override, which is not
// checked for existence here — a missing explicit path is the caller's
// error to report).
func Resolve(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads and strictly decodes the YAML document at path into a
// FileConfig layered on top of Default(). An empty path returns the
// defaults unchanged. Unknown keys are rejected (yaml.v3's KnownFields
// decoder option), matching the teacher's LoadFromFile/Validate idiom in
// internal/config/types.go but swapped to the stricter decoder since
// spec.md §6 requires unknown-key rejection.
func Load(path string) (FileConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, corerr.Wrap(corerr.CodeConfiguration, corerr.CategorySystem, "ConfigurationError",
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	coerced := coerceScalars(data)

	dec := yaml.NewDecoder(bytes.NewReader(coerced))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, corerr.Wrap(corerr.CodeConfiguration, corerr.CategorySystem, "ConfigurationError",
			fmt.Sprintf("invalid config file %s", path), err)
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// coerceScalars rewrites the bareword tokens spec.md §6 requires coerced
// at load time (true|false|null|none, and bare numeric strings) before
// handing the document to the YAML decoder. yaml.v3 already performs
// the boolean/null coercion for unquoted scalars; this pass additionally
// folds the literal word "none" to YAML null, which yaml.v3 does not
// treat specially on its own.
func coerceScalars(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.HasSuffix(trimmed, ": none") {
			lines[i] = strings.TrimSuffix(trimmed, "none") + "null"
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

func validate(cfg FileConfig) error {
	if cfg.SSH.Port != 0 {
		if err := command.ValidatePort(cfg.SSH.Port); err != nil {
			return err
		}
	}
	switch cfg.SSH.HostKeyPolicy {
	case "", "strict", "warn", "accept":
	default:
		return corerr.ValidationError(fmt.Sprintf("ssh.host_key_policy: invalid value %q", cfg.SSH.HostKeyPolicy))
	}
	if cfg.Transfer.BandwidthLimit != "" {
		if err := command.ValidateBandwidth(cfg.Transfer.BandwidthLimit); err != nil {
			return err
		}
	}
	if cfg.Transfer.Parallel != 0 && (cfg.Transfer.Parallel < 1 || cfg.Transfer.Parallel > 16) {
		return corerr.ValidationError(fmt.Sprintf("transfer.parallel must be in [1,16], got %d", cfg.Transfer.Parallel))
	}
	return nil
}

// EnvOverrides applies the `*_` environment variables from spec.md §6
// on top of cfg, returning the merged result. prefix is the CLI's
// chosen environment-variable prefix (e.g. "CLONEFORGE").
func EnvOverrides(cfg FileConfig, prefix string) FileConfig {
	if v := os.Getenv(prefix + "_SSH_KEY_PATH"); v != "" {
		cfg.SSH.KeyPath = v
	}
	if v := os.Getenv(prefix + "_SSH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSH.Port = n
		}
	}
	if v := os.Getenv(prefix + "_KNOWN_HOSTS_FILE"); v != "" {
		cfg.SSH.KnownHostsFile = v
	}
	if v := os.Getenv(prefix + "_SSH_HOST_KEY_POLICY"); v != "" {
		cfg.SSH.HostKeyPolicy = v
	}
	if v := os.Getenv(prefix + "_PARALLEL_TRANSFERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transfer.Parallel = n
		}
	}
	if v := os.Getenv(prefix + "_BANDWIDTH_LIMIT"); v != "" {
		cfg.Transfer.BandwidthLimit = v
	}
	if v := os.Getenv(prefix + "_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv(prefix + "_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg
}
