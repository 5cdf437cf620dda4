package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/jirutka/knot-resolver/base/log"
	"github.com/jirutka/knot-resolver/service/engine"
	"github.com/jirutka/knot-resolver/service/network"
)

// DefaultConfigFile is loaded from the run directory when no configuration
// is given. It may be missing.
const DefaultConfigFile = "config"

// Config holds the daemon options.
type Config struct {
	// RunDir is the working directory of the daemon. It holds the control
	// sockets and the cache.
	RunDir     string
	ConfigPath string
	KeyFile    string

	// Addrs are endpoints to listen on, as "addr" or "addr#port".
	Addrs []string

	// Forks is the number of worker processes.
	Forks       int
	Interactive bool
	Quiet       bool
	Verbose     bool

	ModuleDir string
	EtcDir    string

	LogToStdout bool
	LogDir      string
	LogLevel    string

	// Worker identifies this process among the workers. It is set for
	// spawned workers only.
	Worker WorkerInfo

	configGiven bool
}

func (cfg *Config) Init() error {
	if cfg.Forks < 1 {
		return errors.New("number of forks must be at least 1")
	}
	if cfg.Forks > 1 {
		// Workers have no terminal to share.
		cfg.Interactive = false
	}

	// Check run directory.
	if cfg.RunDir == "" {
		cfg.RunDir = "."
	}
	rundir, err := filepath.Abs(os.ExpandEnv(cfg.RunDir))
	if err != nil {
		return fmt.Errorf("rundir %q: %w", cfg.RunDir, err)
	}
	if err := unix.Access(rundir, unix.W_OK); err != nil {
		return fmt.Errorf("rundir %q: %w", cfg.RunDir, err)
	}
	cfg.RunDir = rundir

	// The key file may not exist yet, it is resolved against the current
	// working directory.
	if cfg.KeyFile != "" {
		keyfile, err := filepath.Abs(cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("keyfile %q: %w", cfg.KeyFile, err)
		}
		cfg.KeyFile = keyfile
	}

	// Check configuration.
	switch cfg.ConfigPath {
	case "":
		cfg.ConfigPath = filepath.Join(cfg.RunDir, DefaultConfigFile)
	case engine.NoConfig:
	default:
		cfg.configGiven = true
		path := cfg.ConfigPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.RunDir, path)
		}
		if err := unix.Access(path, unix.R_OK); err != nil {
			return fmt.Errorf("config %q: %w", cfg.ConfigPath, err)
		}
		cfg.ConfigPath = path
	}

	// Check endpoints.
	for _, addr := range cfg.Addrs {
		if _, _, err := network.ParseEndpoint(addr); err != nil {
			return fmt.Errorf("listen address: %w", err)
		}
	}

	// Fall back to defaults.
	if cfg.ModuleDir == "" {
		cfg.ModuleDir = defaultModuleDir()
	}
	if cfg.EtcDir == "" {
		cfg.EtcDir = "/etc/knot-resolver"
	}
	cfg.ModuleDir = os.ExpandEnv(cfg.ModuleDir)
	cfg.EtcDir = os.ExpandEnv(cfg.EtcDir)
	cfg.LogDir = os.ExpandEnv(cfg.LogDir)

	// Check log level.
	if cfg.LogLevel != "" && log.ParseLevel(cfg.LogLevel) == 0 {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	return nil
}

// ConfigGiven reports whether the configuration was chosen explicitly.
func (cfg *Config) ConfigGiven() bool {
	return cfg.configGiven
}

// StorageDir returns the cache directory of a worker. Every worker needs
// its own, as the storage is locked exclusively.
func (cfg *Config) StorageDir(workerID int) string {
	return filepath.Join(cfg.RunDir, "cache", fmt.Sprint(workerID))
}

func defaultModuleDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/local/lib/kdns_modules"
	default:
		return "/usr/lib/kdns_modules"
	}
}
