package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrNotRunning is returned by Stop when no daemon process is alive
var ErrNotRunning = errors.New("daemon is not running")

// AlreadyRunningError is returned when a start attempt finds a live daemon
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running (PID %d)", e.PID)
}

// PIDFile is the persisted process identifier that enforces one daemon per
// repository and supports external stop requests. The exclusivity is
// advisory: the check-then-create race is accepted because invocations are
// human-triggered.
type PIDFile struct {
	path string
}

// NewPIDFile creates a PID record handle at the given path
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the PID record location
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire writes the given PID, claiming daemon ownership. A record owned by
// a live process yields AlreadyRunningError; a stale record (dead process)
// is removed and the claim retried once.
func (p *PIDFile) Acquire(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d", pid)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("failed to write PID record: %w", werr)
			}
			return cerr
		}

		if errors.Is(err, fs.ErrExist) {
			if alive, existing := p.Alive(); alive {
				return &AlreadyRunningError{PID: existing}
			}
			// Stale record from a dead process
			_ = os.Remove(p.path)
			continue
		}

		return fmt.Errorf("failed to create PID record: %w", err)
	}

	return fmt.Errorf("failed to claim PID record at %s", p.path)
}

// Read returns the recorded PID, or an error if no record exists
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID record at %s: %w", p.path, err)
	}
	return pid, nil
}

// Alive reports whether the recorded process exists and is signalable
func (p *PIDFile) Alive() (bool, int) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

// Remove deletes the record. A missing record is not an error.
func (p *PIDFile) Remove() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
