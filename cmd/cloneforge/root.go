package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/foundryops/cloneforge/internal/config"
	"github.com/foundryops/cloneforge/internal/hypervisor"
	"github.com/foundryops/cloneforge/internal/orchestrator"
	"github.com/foundryops/cloneforge/internal/output"
	"github.com/foundryops/cloneforge/internal/transfer"
	"github.com/foundryops/cloneforge/internal/transport"
)

// stateDir returns the directory the core persists transaction logs and
// advisory locks under (spec.md §6 "Persisted state layout").
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/var/lib/cloneforge"
	}
	return home + "/.local/state/cloneforge"
}

// loadConfig resolves the effective FileConfig: built-in defaults,
// layered with the config file (--config override or search path), then
// environment variables (spec.md §6 precedence chain; flags are applied
// by each command on top of the returned config).
func loadConfig() (config.FileConfig, error) {
	path := config.Resolve(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	return config.EnvOverrides(cfg, envPrefix), nil
}

// openOptionsFrom builds transport.OpenOptions from cfg plus any
// explicit --ssh-key/--ssh-port flag overrides (flags win per spec.md §6
// precedence).
func openOptionsFrom(cfg config.FileConfig, sshKey string, sshPort int) transport.OpenOptions {
	opts := transport.OpenOptions{
		IdentityFile:   cfg.SSH.KeyPath,
		Port:           cfg.SSH.Port,
		HostKeyPolicy:  transport.HostKeyPolicy(cfg.SSH.HostKeyPolicy),
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		RetryAttempts:  cfg.SSH.RetryAttempts,
		ConnectTimeout: 30 * time.Second,
	}
	if sshKey != "" {
		opts.IdentityFile = sshKey
	}
	if sshPort != 0 {
		opts.Port = sshPort
	}
	return opts
}

// newOrchestrator wires the live C2-C5 implementations together, the
// same composition root idiom as the teacher's main.go building a
// libvirt.Client once per invocation.
func newOrchestrator(cfg config.FileConfig, sshKey string, sshPort int) *orchestrator.Orchestrator {
	state := stateDir()
	opts := openOptionsFrom(cfg, sshKey, sshPort)
	o := orchestrator.New(hypervisor.New(), transfer.New(), nil, state, cfg.Libvirt.ImageBaseDirs)
	o.OpenOptions = opts
	o.Locker = orchestrator.RemoteLocker{Dialer: liveDialer{}, StateDir: state, OpenOptions: opts}
	return o
}

type liveDialer struct{}

func (liveDialer) Open(ctx context.Context, host string, opts transport.OpenOptions) (*transport.Connection, error) {
	return transport.Open(ctx, host, opts)
}

func newFormatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{Format: output.Format(outputFormat), NoHeaders: noHeaders})
}

func newOperationID() string {
	return uuid.NewString()
}
