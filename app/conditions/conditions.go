// Package conditions checks host resources before jobs are started on the local host
package conditions

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config defines thresholds, nil or empty values are not checked
type Config struct {
	CPUBelow      *int     `yaml:"cpu_below" json:"cpu_below,omitempty" jsonschema:"minimum=1,maximum=100"`
	MemoryBelow   *int     `yaml:"memory_below" json:"memory_below,omitempty" jsonschema:"minimum=1,maximum=100"`
	LoadAvgBelow  *float64 `yaml:"load_avg_below" json:"load_avg_below,omitempty" jsonschema:"minimum=0"`
	DiskFreeAbove *int     `yaml:"disk_free_above" json:"disk_free_above,omitempty" jsonschema:"minimum=0,maximum=100"`
	DiskFreePath  string   `yaml:"disk_free_path" json:"disk_free_path,omitempty" jsonschema:"default=/"`
	Custom        string   `yaml:"custom" json:"custom,omitempty" jsonschema:"description=shell command; zero exit code means ok"`
}

// Enabled reports if any condition is set
func (c Config) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil || c.DiskFreeAbove != nil || c.Custom != ""
}

// Checker runs checks with a limit on concurrent checks, cpu sampling blocks for a second
// and parallel submits shouldn't pile up on it
type Checker struct {
	Config
	sem chan struct{}
}

const defaultMaxConcurrent = 4

// NewChecker makes checker, maxConcurrent <= 0 uses default
func NewChecker(cfg Config, maxConcurrent int) *Checker {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Checker{Config: cfg, sem: make(chan struct{}, maxConcurrent)}
}

// Check verifies if all conditions are met.
// Returns true if conditions are satisfied, false with reason otherwise
func (c *Checker) Check(ctx context.Context) (bool, string) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return false, fmt.Sprintf("conditions check canceled: %v", ctx.Err())
	}

	if c.CPUBelow != nil {
		if ok, reason := checkCPU(ctx, *c.CPUBelow); !ok {
			return false, reason
		}
	}
	if c.MemoryBelow != nil {
		if ok, reason := checkMemory(ctx, *c.MemoryBelow); !ok {
			return false, reason
		}
	}
	if c.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(ctx, *c.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if c.DiskFreeAbove != nil {
		path := c.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := checkDiskFree(ctx, *c.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	if c.Custom != "" {
		if ok, reason := checkCustom(ctx, c.Custom); !ok {
			return false, reason
		}
	}
	return true, ""
}

// checkCPU checks if CPU usage is below threshold
func checkCPU(ctx context.Context, threshold int) (bool, string) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkMemory checks if memory usage is below threshold
func checkMemory(ctx context.Context, threshold int) (bool, string) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func checkLoadAvg(ctx context.Context, threshold float64) (bool, string) {
	loads, err := load.AvgWithContext(ctx)
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree checks if disk free space is above threshold
func checkDiskFree(ctx context.Context, minFreePercent int, path string) (bool, string) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

// checkCustom runs a custom script and checks its exit code
func checkCustom(ctx context.Context, script string) (bool, string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script) // nolint gosec
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
