// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package proc supervises a single plugin worker process: spawning,
// graceful shutdown, liveness, and OS-level resource sampling.
//
// A Unit owns exactly one process and holds no policy: start failures and
// detected exits are reported to the caller, never retried here. Recovery
// belongs to the plugin manager.
package proc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/roseybot/rosey/internal/plugin"
)

// DefaultStopGrace is how long Stop waits for a clean exit after SIGTERM
// before escalating to SIGKILL.
const DefaultStopGrace = 10 * time.Second

// Compile-time interface check.
var _ plugin.Unit = (*Unit)(nil)

// Config describes the process a Unit supervises.
type Config struct {
	// Manifest is the plugin's validated manifest.
	Manifest *plugin.Manifest
	// Dir is the plugin's installation directory. The entry point is
	// resolved inside it and it becomes the working directory.
	Dir string
	// DataDir is the plugin's isolated storage scope, exposed to the
	// process as ROSEY_DATA_DIR.
	DataDir string
	// BusURL is the message-bus endpoint the plugin connects to.
	BusURL string
	// StopGrace overrides DefaultStopGrace when positive.
	StopGrace time.Duration
}

// Unit supervises one running plugin process.
type Unit struct {
	cfg Config

	mu        sync.Mutex
	cmd       *exec.Cmd
	ps        *process.Process
	startedAt time.Time
	done      chan struct{}
	exitCode  int
}

// New creates a supervision unit for the configured plugin. The process is
// not started until Start is called.
func New(cfg Config) *Unit {
	return &Unit{cfg: cfg}
}

// Start spawns the plugin process. The process receives its bus identity
// and storage scope through the environment:
//
//	ROSEY_PLUGIN_NAME  its manifest name
//	ROSEY_BUS_URL      the bus endpoint to dial
//	ROSEY_DATA_DIR     its private data directory
//
// A failure to spawn is returned to the caller; Start never retries.
func (u *Unit) Start(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.runningLocked() {
		return oops.Code("PROCESS_ALREADY_RUNNING").With("plugin", u.cfg.Manifest.Name).
			Errorf("plugin process is already running")
	}

	execPath := filepath.Join(u.cfg.Dir, u.cfg.Manifest.Exec.Command)
	if _, err := os.Stat(execPath); err != nil {
		return oops.Code("PROCESS_START_FAILED").With("plugin", u.cfg.Manifest.Name).With("path", execPath).
			Wrapf(err, "plugin entry point not found")
	}

	//nolint:gosec // execPath comes from a manifest validated during discovery
	cmd := exec.Command(execPath, u.cfg.Manifest.Exec.Args...)
	cmd.Dir = u.cfg.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"ROSEY_PLUGIN_NAME="+u.cfg.Manifest.Name,
		"ROSEY_BUS_URL="+u.cfg.BusURL,
		"ROSEY_DATA_DIR="+u.cfg.DataDir,
	)

	if err := cmd.Start(); err != nil {
		return oops.Code("PROCESS_START_FAILED").With("plugin", u.cfg.Manifest.Name).
			Wrapf(err, "failed to spawn plugin process")
	}

	ps, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		// Extremely short-lived process; the reaper below still records
		// the exit, sampling will just report it as gone.
		ps = nil
	}

	u.cmd = cmd
	u.ps = ps
	u.startedAt = time.Now()
	done := make(chan struct{})
	u.done = done

	go func() {
		err := cmd.Wait()
		u.mu.Lock()
		u.exitCode = exitCodeOf(err, cmd)
		u.mu.Unlock()
		close(done)
	}()

	return nil
}

// Stop requests graceful shutdown with SIGTERM, waits up to the grace
// period, then kills the process. It returns once the process is confirmed
// gone and is a no-op when nothing is running.
func (u *Unit) Stop(ctx context.Context) error {
	u.mu.Lock()
	cmd, done := u.cmd, u.done
	u.mu.Unlock()

	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	grace := u.cfg.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone between the liveness check and the signal.
		<-done
		return nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	_ = cmd.Process.Kill()
	<-done
	return nil
}

// Running reports liveness without blocking.
func (u *Unit) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.runningLocked()
}

func (u *Unit) runningLocked() bool {
	if u.cmd == nil || u.done == nil {
		return false
	}
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

// Exited returns the recorded exit code once the process has exited.
func (u *Unit) Exited() (code int, exited bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cmd == nil || u.done == nil {
		return 0, false
	}
	select {
	case <-u.done:
		return u.exitCode, true
	default:
		return 0, false
	}
}

// Sample reads OS-level metrics for the running process.
func (u *Unit) Sample() (plugin.ResourceSnapshot, error) {
	u.mu.Lock()
	ps := u.ps
	startedAt := u.startedAt
	running := u.runningLocked()
	u.mu.Unlock()

	if !running || ps == nil {
		return plugin.ResourceSnapshot{}, oops.Code("PROCESS_NOT_RUNNING").
			With("plugin", u.cfg.Manifest.Name).
			Errorf("cannot sample a stopped plugin process")
	}

	snap := plugin.ResourceSnapshot{
		Uptime: time.Since(startedAt),
	}

	if cpu, err := ps.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if mem, err := ps.MemoryInfo(); err == nil && mem != nil {
		snap.MemoryBytes = mem.RSS
	}

	return snap, nil
}

// exitCodeOf extracts the process exit code from cmd.Wait's result.
func exitCodeOf(err error, cmd *exec.Cmd) int {
	if err == nil {
		return 0
	}
	if state := cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	return -1
}
