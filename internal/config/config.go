// Package config parses and persists the simutraced server
// configuration (§6), modeled on the teacher's repository config
// handling: JSON on disk, atomic rewrites via
// github.com/natefinch/atomic, and a workspace lock via
// github.com/gofrs/flock so two server processes never share one
// workspace.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/simutrace/simutrace/internal/errkind"
)

// MemoryManagement mirrors server.memmgmt.* (§6, §4.A).
type MemoryManagement struct {
	PoolSize     int           `json:"poolSize"`
	DisableCache bool          `json:"disableCache"`
	RetryCount   int           `json:"retryCount"`
	RetrySleep   time.Duration `json:"retrySleep"`
	ReadAhead    int           `json:"readAhead"`
}

// Config holds the recognized server.* and store.<prefix>.* options.
type Config struct {
	Bindings  []string          `json:"bindings"`
	Workspace string            `json:"workspace"`
	MemMgmt   MemoryManagement  `json:"memmgmt"`
	Session   SessionOptions    `json:"session"`
	WorkerPool WorkerPoolOptions `json:"workerpool"`
	RequestWorkerPool WorkerPoolOptions `json:"requestworkerpool"`
	Stores    map[string]StoreOptions `json:"stores"`
}

// SessionOptions mirrors server.session.* (§6, §4.D/§4.E).
type SessionOptions struct {
	CloseTimeout time.Duration `json:"closeTimeout"`
}

// WorkerPoolOptions mirrors server.workerpool.* / server.requestworkerpool.* (§6, §4.H).
type WorkerPoolOptions struct {
	Size int `json:"size"`
}

// StoreOptions mirrors store.<prefix>.* (§6, §4.C).
type StoreOptions struct {
	Root string `json:"root"`
}

// Default returns the canonical configuration (§6 defaults).
func Default() *Config {
	return &Config{
		Bindings:  []string{"local:/var/run/simutrace/server"},
		Workspace: filepath.Join(os.TempDir(), "simutrace"),
		MemMgmt: MemoryManagement{
			PoolSize:   4,
			RetryCount: 50,
			RetrySleep: 20 * time.Millisecond,
		},
		Session:           SessionOptions{CloseTimeout: 30 * time.Second},
		WorkerPool:        WorkerPoolOptions{Size: 0},
		RequestWorkerPool: WorkerPoolOptions{Size: 0},
		Stores:            map[string]StoreOptions{},
	}
}

// Load reads path, falling back to the default configuration if it
// does not exist, then applies any SIMUTRACE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}

		return nil, errkind.Wrap(err, errkind.Platform, "read configuration file")
	}

	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errkind.Wrap(err, errkind.Argument, "parse configuration file")
	}

	applyEnv(cfg)

	return cfg, nil
}

// applyEnv overrides the bind list, the workspace and the worker pool
// size from the environment, options an operator commonly needs to set
// without touching the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SIMUTRACE_BINDINGS"); v != "" {
		cfg.Bindings = strings.Split(v, ",")
	}

	if v := os.Getenv("SIMUTRACE_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}

	if v := os.Getenv("SIMUTRACE_WORKERPOOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPool.Size = n
		}
	}
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errkind.Wrap(err, errkind.Platform, "encode configuration")
	}

	if err := atomic.WriteFile(path, bytes.NewReader(raw)); err != nil {
		return errkind.Wrap(err, errkind.Platform, "write configuration file")
	}

	return nil
}

// WorkspaceLock guards one workspace directory against concurrent
// server processes (§6: "a second simutraced process started against
// the same workspace must fail fast rather than corrupt state").
type WorkspaceLock struct {
	lock *flock.Flock
}

// LockWorkspace acquires an exclusive advisory lock on workspace,
// creating the directory if necessary.
func LockWorkspace(workspace string) (*WorkspaceLock, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, errkind.Wrap(err, errkind.Platform, "create workspace directory")
	}

	l := flock.New(filepath.Join(workspace, ".simutraced.lock"))

	ok, err := l.TryLock()
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Platform, "lock workspace")
	}

	if !ok {
		return nil, errkind.New(errkind.OperationInProgress, "workspace already locked by another simutraced process")
	}

	return &WorkspaceLock{lock: l}, nil
}

// Unlock releases the workspace lock.
func (w *WorkspaceLock) Unlock() error {
	if err := w.lock.Unlock(); err != nil {
		return errkind.Wrap(err, errkind.Platform, "unlock workspace")
	}

	return nil
}
