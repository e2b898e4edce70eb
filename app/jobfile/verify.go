package jobfile

import (
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/umputun/ganga/app/job"
)

const (
	// dummy backend validation limits
	maxDummySteps = 1000
	maxDummyDelay = 600.0

	maxSplitRows = 10000
)

// Verify checks all definitions, errors reported with 1-based job number
func (f *File) Verify() error {
	if len(f.Jobs) == 0 {
		return fmt.Errorf("at least one job is required")
	}
	names := map[string]int{}
	for i, d := range f.Jobs {
		if err := d.verify(i + 1); err != nil {
			return err
		}
		if prev, dup := names[d.Name]; dup {
			return fmt.Errorf("job %d: name %q already used by job %d", i+1, d.Name, prev)
		}
		names[d.Name] = i + 1
	}
	return nil
}

func (d Definition) verify(num int) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("job %d: name is required", num)
	}
	if strings.TrimSpace(d.Exe) == "" {
		return fmt.Errorf("job %d: exe is required", num)
	}
	switch d.Backend {
	case BackendLocal, "":
		if d.Dummy != nil {
			return fmt.Errorf("job %d: dummy params set for %q backend", num, d.Backend)
		}
	case BackendDummy:
		if err := d.Dummy.verify(num); err != nil {
			return err
		}
	default:
		return fmt.Errorf("job %d: unknown backend %q, expected local or dummy", num, d.Backend)
	}
	if len(d.Split) > maxSplitRows {
		return fmt.Errorf("job %d: too many split rows, %d > %d", num, len(d.Split), maxSplitRows)
	}
	for k := range d.Env {
		if k == "" || strings.ContainsAny(k, "= ") {
			return fmt.Errorf("job %d: invalid env name %q", num, k)
		}
	}
	return nil
}

func (p *DummyParams) verify(num int) error {
	if p == nil {
		return nil
	}
	if p.Steps < 0 || p.Steps > maxDummySteps {
		return fmt.Errorf("job %d: dummy steps must be between 0 and %d, got %d", num, maxDummySteps, p.Steps)
	}
	if p.Delay < 0 || p.Delay > maxDummyDelay {
		return fmt.Errorf("job %d: dummy delay must be between 0 and %v, got %v", num, maxDummyDelay, p.Delay)
	}
	if p.Final != "" && !job.Status(p.Final).IsFinal() {
		return fmt.Errorf("job %d: dummy final status %q is not final", num, p.Final)
	}
	return nil
}

// GenerateSchema generates JSON schema for job files
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&File{}), nil
}
