// Package generic implements a hal.Provider for ordinary Linux machines,
// reading memory from the kernel, thermal state from sysfs thermal zones
// and battery state from the power supply class. Every reading degrades
// gracefully: a missing sysfs node yields a neutral value, never an error.
package generic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jguan/ai-model-orchestrator/pkg/infra/hal"
)

type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string {
	return "generic"
}

func (p *Provider) Available(ctx context.Context) bool {
	return true
}

func (p *Provider) CurrentSnapshot(ctx context.Context) (hal.Snapshot, error) {
	total, avail, err := readMemory()
	if err != nil {
		return hal.Snapshot{}, hal.ErrHardwareNotAvailable.WithCause(err)
	}

	snap := hal.Snapshot{
		TotalMemory:     total,
		AvailableMemory: avail,
		ComputeUnits:    detectComputeUnits(),
		Thermal:         readThermal(),
		CapturedAt:      time.Now(),
	}
	snap.BatteryLevel, snap.Charging = readBattery()
	return snap, nil
}

func detectComputeUnits() []hal.ComputeUnit {
	units := []hal.ComputeUnit{
		{
			ID:   "cpu-0",
			Kind: hal.ComputeCPU,
			Name: fmt.Sprintf("CPU (%d cores)", runtime.NumCPU()),
		},
	}

	// A render node is enough to count a GPU as present; per-vendor
	// memory sizing belongs to vendor-specific providers.
	if matches, _ := filepath.Glob("/dev/dri/renderD*"); len(matches) > 0 {
		units = append(units, hal.ComputeUnit{
			ID:   "gpu-0",
			Kind: hal.ComputeGPU,
			Name: "GPU",
		})
	}

	return units
}

// readThermal maps the hottest thermal zone to the four-level ladder.
func readThermal() hal.ThermalState {
	zones, err := filepath.Glob("/sys/class/thermal/thermal_zone*/temp")
	if err != nil || len(zones) == 0 {
		return hal.ThermalNominal
	}

	var maxMilliC int64
	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		if v > maxMilliC {
			maxMilliC = v
		}
	}

	switch c := maxMilliC / 1000; {
	case c >= 95:
		return hal.ThermalCritical
	case c >= 85:
		return hal.ThermalSerious
	case c >= 70:
		return hal.ThermalFair
	default:
		return hal.ThermalNominal
	}
}

// readBattery returns (level 0..1, charging). Level is -1 on machines
// without a battery.
func readBattery() (float64, bool) {
	bats, err := filepath.Glob("/sys/class/power_supply/BAT*")
	if err != nil || len(bats) == 0 {
		return -1, false
	}

	bat := bats[0]
	level := -1.0
	if data, err := os.ReadFile(filepath.Join(bat, "capacity")); err == nil {
		if pct, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			level = float64(pct) / 100.0
		}
	}

	charging := false
	if data, err := os.ReadFile(filepath.Join(bat, "status")); err == nil {
		status := strings.TrimSpace(string(data))
		charging = status == "Charging" || status == "Full"
	}

	return level, charging
}
