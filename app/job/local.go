package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/umputun/ganga/app/schema"
)

// files in the workdir of a local job
const (
	ExitCodeFile = "__exitcode__" // written by the wrapper script when the job process exits
	StdoutFile   = "stdout"
	StderrFile   = "stderr"
)

// stderr lines added to the failure reason
const reasonTailLines = 5

var localSchema = schema.MustNew("backends", "Local", schema.Version{Major: 1, Minor: 1},
	schema.Item{Name: "workdir", Kind: schema.KindString, Default: ""},
	schema.Item{Name: "pid", Kind: schema.KindInt, Default: 0},
	schema.Item{Name: "exitcode", Kind: schema.KindInt, Default: 0},
)

// Local runs the job application as a detached process on the current host.
// stdout and stderr go to files in the workdir, exit code captured by the wrapper script.
type Local struct {
	WorkDir  string
	PID      int
	ExitCode int
}

// NewLocal makes local backend
func NewLocal() *Local { return &Local{} }

// Schema returns local backend schema
func (b *Local) Schema() *schema.Schema { return localSchema }

// Fields returns persisted attributes
func (b *Local) Fields() schema.Fields {
	return schema.Fields{"workdir": b.WorkDir, "pid": b.PID, "exitcode": b.ExitCode}
}

// SetFields populates backend from stored attributes
func (b *Local) SetFields(f schema.Fields) error {
	b.WorkDir, b.PID, b.ExitCode = f.String("workdir"), f.Int("pid"), f.Int("exitcode")
	return nil
}

// Submit starts the application in workdir and returns immediately
func (b *Local) Submit(_ context.Context, j *Job, workdir string) error {
	if j.Application == nil {
		return fmt.Errorf("no application")
	}
	if err := os.MkdirAll(workdir, 0o750); err != nil {
		return fmt.Errorf("can't make workdir %s: %w", workdir, err)
	}
	_ = os.Remove(filepath.Join(workdir, ExitCodeFile)) // stale from previous run

	script := fmt.Sprintf("%s >%s 2>%s; echo $? >%s", ShellLine(j.Application), StdoutFile, StderrFile, ExitCodeFile)
	cmd := exec.Command("sh", "-c", script) // nolint gosec
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("can't start %q: %w", script, err)
	}
	b.WorkDir, b.PID, b.ExitCode = workdir, cmd.Process.Pid, 0
	log.Printf("[DEBUG] job %s started locally, pid %d, %s", j.FQID(), b.PID, workdir)
	go func() { _ = cmd.Wait() }() // reap, the status is taken from the exit code file
	return nil
}

// Kill terminates the job process if still alive
func (b *Local) Kill(ctx context.Context, j *Job) error {
	if b.PID <= 0 {
		return fmt.Errorf("job %s has no pid", j.FQID())
	}
	p, err := process.NewProcessWithContext(ctx, int32(b.PID)) //nolint:gosec // pid fits int32
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("can't find process %d: %w", b.PID, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("can't kill process %d: %w", b.PID, err)
	}
	return nil
}

// UpdateMonitoringInformation checks exit code file first, then the process itself
func (b *Local) UpdateMonitoringInformation(ctx context.Context, j *Job) (Update, error) {
	if b.WorkDir == "" {
		return Update{}, fmt.Errorf("job %s has no workdir", j.FQID())
	}
	if u, ok := b.exitCodeUpdate(); ok {
		return u, nil
	}
	alive, err := process.PidExistsWithContext(ctx, int32(b.PID)) //nolint:gosec // pid fits int32
	if err != nil {
		return Update{}, fmt.Errorf("can't check pid %d: %w", b.PID, err)
	}
	if alive {
		return Update{Status: StatusRunning}, nil
	}
	if u, ok := b.exitCodeUpdate(); ok { // process could finish between the checks
		return u, nil
	}
	return Update{Status: StatusFailed, Reason: fmt.Sprintf("process %d lost without exit code", b.PID)}, nil
}

func (b *Local) exitCodeUpdate() (Update, bool) {
	data, err := os.ReadFile(filepath.Join(b.WorkDir, ExitCodeFile)) // nolint gosec
	if err != nil {
		return Update{}, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Update{}, false // being written
	}
	res := &Local{WorkDir: b.WorkDir, PID: b.PID, ExitCode: code}
	if code != 0 {
		reason := fmt.Sprintf("exit code %d", code)
		if tail := fileTail(filepath.Join(b.WorkDir, StderrFile), reasonTailLines); tail != "" {
			reason += "\n" + tail
		}
		return Update{Status: StatusFailed, Reason: reason, Backend: res}, true
	}
	return Update{Status: StatusCompleted, Backend: res}, true
}
