package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// pidFile guards against two daemon instances serving the same data
// directory at once. There is no PID-file library anywhere in the
// example pack (see DESIGN.md), so this is the one piece of the daemon
// host built directly on the standard library: os for the file itself,
// syscall.Kill(pid, 0) to probe whether a previously-recorded process
// is still alive.
type pidFile struct {
	path string
}

func newPIDFile(path string) *pidFile {
	return &pidFile{path: path}
}

// Acquire writes the current process's PID to the file, failing if
// another live process already holds it. A PID file left behind by a
// process that is no longer running is treated as stale and overwritten.
func (p *pidFile) Acquire() error {
	if existing, ok := p.readLivePID(); ok {
		return apperrors.NewInvalidStateError(fmt.Sprintf("daemon already running with pid %d (pidfile %s)", existing, p.path))
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the PID file. Safe to call even if it was never
// written (e.g. Acquire failed) or already removed.
func (p *pidFile) Release() error {
	err := os.Remove(p.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *pidFile) readLivePID() (int, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}
