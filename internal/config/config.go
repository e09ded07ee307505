// Package config loads the daemon's layered configuration: defaults,
// an optional global ~/.loopr/config.yaml, an optional project-local
// ./loopr.yaml, and LOOPR_-prefixed environment overrides, in that
// priority order (low to high). Generalized from the teacher's
// internal/infrastructure/config/config.go Gateway/Telegram/AI-service
// tree into the DaemonConfig tree spec.md's daemon actually needs:
// data directory, scheduler caps, tool lanes, workspace roots, logging,
// and the IPC socket path.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SchedulerConfig mirrors scheduler.Config, expressed in config-file
// terms (per-type caps keyed by loop-type string rather than
// loopdomain.Type, so it round-trips through YAML/env without an
// import on the domain package).
type SchedulerConfig struct {
	MaxLoops     int            `mapstructure:"max_loops"`
	PerTypeCaps  map[string]int `mapstructure:"per_type_caps"`
	TickInterval time.Duration  `mapstructure:"tick_interval"`
}

// LanesConfig sets the per-lane concurrency slot count and default
// timeout for tool execution, per spec.md §5's "no-net, net, heavy"
// lane classification.
type LanesConfig struct {
	NoNet LaneConfig `mapstructure:"no_net"`
	Net   LaneConfig `mapstructure:"net"`
	Heavy LaneConfig `mapstructure:"heavy"`
}

// LaneConfig is one lane's slot count and default timeout.
type LaneConfig struct {
	Slots   int           `mapstructure:"slots"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkspaceConfig locates the shared project repo and the base
// directory under which per-loop worktrees are created.
type WorkspaceConfig struct {
	ProjectRoot string `mapstructure:"project_root"`
	BaseDir     string `mapstructure:"base_dir"`
}

// LogConfig controls the daemon's structured logging, passed straight
// through to logger.Config.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// IPCConfig locates the client-facing Unix socket.
type IPCConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// LLMConfig configures the concrete Anthropic-backed LLMClient and the
// circuit breaker wrapped around it.
type LLMConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	Model               string        `mapstructure:"model"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	BreakerMaxRequests  uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval     time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
}

// DaemonConfig is the daemon's full configuration tree.
type DaemonConfig struct {
	DataDir   string          `mapstructure:"data_dir"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lanes     LanesConfig     `mapstructure:"lanes"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Log       LogConfig       `mapstructure:"log"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	LLM       LLMConfig       `mapstructure:"llm"`

	// ShutdownGrace bounds how long a graceful shutdown waits for
	// running loops to finish before force-cancelling the rest. Open
	// client connections are not waited for.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// EnvPrefix is the environment-variable prefix viper matches for
// overrides, e.g. LOOPR_SCHEDULER_MAX_LOOPS.
const EnvPrefix = "LOOPR"

// Load builds a DaemonConfig from defaults, layered config files, and
// environment overrides. projectDir is the project this daemon
// instance serves; when set, its on-disk loopr.yaml (if present) is
// merged over the global ~/.loopr/config.yaml layer.
func Load(projectDir string) (*DaemonConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	globalDir := filepath.Join(home, ".loopr")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	if projectDir != "" {
		localPath := filepath.Join(projectDir, "loopr.yaml")
		if _, statErr := os.Stat(localPath); statErr == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg DaemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DataDir == "" {
		dir, err := ProjectDataDir(projectDir)
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.max_loops", 10)
	v.SetDefault("scheduler.tick_interval", "1s")

	v.SetDefault("lanes.no_net.slots", 8)
	v.SetDefault("lanes.no_net.timeout", "30s")
	v.SetDefault("lanes.net.slots", 4)
	v.SetDefault("lanes.net.timeout", "60s")
	v.SetDefault("lanes.heavy.slots", 2)
	v.SetDefault("lanes.heavy.timeout", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stderr")

	v.SetDefault("ipc.socket_path", "")

	v.SetDefault("llm.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.request_timeout", "2m")
	v.SetDefault("llm.breaker_max_requests", 1)
	v.SetDefault("llm.breaker_interval", "60s")
	v.SetDefault("llm.breaker_timeout", "30s")
	v.SetDefault("llm.breaker_failure_ratio", 0.6)

	v.SetDefault("shutdown_grace", "30s")
}

// WatchConfig watches path and, each time that file is written or
// created, re-reads it over the defaults and hands the whole resulting
// DaemonConfig to onReload, following the teacher's fsnotify-backed
// config_watcher.go idiom. Read, decode, and watcher errors go to
// onWarn. It does not compare the new config with the running one: no
// field is filtered out, and a change to a structural field (DataDir,
// IPC socket path, workspace roots) reaches onReload like any other.
func WatchConfig(path string, onReload func(*DaemonConfig), onWarn func(string)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				v := viper.New()
				setDefaults(v)
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					onWarn(fmt.Sprintf("config reload failed: %v", err))
					continue
				}
				var cfg DaemonConfig
				if err := v.Unmarshal(&cfg); err != nil {
					onWarn(fmt.Sprintf("config reload unmarshal failed: %v", err))
					continue
				}
				onReload(&cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onWarn(fmt.Sprintf("config watcher error: %v", err))
			}
		}
	}()

	return watcher, nil
}

// ProjectDataDir derives the per-project data directory from a SHA-256
// hash of the project's canonical (absolute, symlink-resolved) path, so
// the same project always resolves to the same <home>/.loopr/<hash>/
// store regardless of the invoking working directory, and distinct
// projects never collide. Ported from original_source/src/store/task_store.rs's
// compute_project_hash.
func ProjectDataDir(projectDir string) (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A project directory that doesn't exist yet (e.g. first run
		// before git init) still needs a stable hash; fall back to the
		// absolute path unresolved rather than failing startup.
		resolved = abs
	}
	sum := sha256.Sum256([]byte(resolved))
	hash := hex.EncodeToString(sum[:])

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".loopr", hash), nil
}
