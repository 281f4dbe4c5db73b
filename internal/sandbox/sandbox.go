package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Limits configures the OS-level caps applied to a rendering subprocess.
type Limits struct {
	MemoryMiB     uint64
	WallTimeout   time.Duration
	CPUTimeout    time.Duration
	DisableLimits bool
}

// Sandbox hands out per-job workspaces under a base directory and applies
// resource caps to rendering subprocesses. The working-directory discipline
// is kept even when limits are disabled.
type Sandbox struct {
	baseDir string
	limits  Limits
	logger  *slog.Logger
}

func New(baseDir string, limits Limits, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{baseDir: baseDir, limits: limits, logger: logger}
}

// Limits returns the configured caps.
func (s *Sandbox) Limits() Limits { return s.limits }

// Workspace is an exclusively owned per-job working directory. Release is
// safe to call on every exit path and is idempotent.
type Workspace struct {
	Dir string

	once   sync.Once
	logger *slog.Logger
}

// Acquire creates the working directory for a job. The directory is owned by
// the job until Release; nothing else may write under it.
func (s *Sandbox) Acquire(jobID string) (*Workspace, error) {
	dir := filepath.Join(s.baseDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &Workspace{Dir: dir, logger: s.logger}, nil
}

// Release recursively removes the working directory. Errors are logged, not
// returned: by the time Release runs the job outcome is already decided.
func (w *Workspace) Release() {
	w.once.Do(func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			w.logger.Warn("sandbox cleanup failed", "dir", w.Dir, "error", err)
		}
	})
}

// ApplyLimits places address-space and CPU-time caps on the subprocess with
// the given pid. When the host refuses a cap, or the process already uses
// more than the cap allows, the sandbox logs a warning and proceeds without
// that cap rather than failing the job.
func (s *Sandbox) ApplyLimits(pid int) {
	if s.limits.DisableLimits {
		s.logger.Debug("resource limits disabled", "pid", pid)
		return
	}

	memBytes := s.limits.MemoryMiB * 1024 * 1024
	if memBytes > 0 {
		if rss, ok := currentRSS(pid); ok && rss >= memBytes {
			s.logger.Warn("memory cap not applied: process already above cap",
				"pid", pid, "rss_bytes", rss, "cap_bytes", memBytes)
		} else {
			lim := unix.Rlimit{Cur: memBytes, Max: memBytes}
			if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
				s.logger.Warn("memory cap refused by host", "pid", pid, "error", err)
			}
		}
	}

	if cpu := uint64(s.limits.CPUTimeout / time.Second); cpu > 0 {
		// Hard limit gets a small cushion so the soft SIGXCPU can land first.
		lim := unix.Rlimit{Cur: cpu, Max: cpu + 10}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			s.logger.Warn("cpu cap refused by host", "pid", pid, "error", err)
		}
	}
}

func currentRSS(pid int) (uint64, bool) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, false
	}
	mi, err := proc.MemoryInfo()
	if err != nil || mi == nil {
		return 0, false
	}
	return mi.RSS, true
}
