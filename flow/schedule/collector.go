package schedule

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collector samples the local engine's utilization for pool heartbeats.
type Collector struct {
	engineID     string
	addr         string
	capabilities []string

	// active reports how many instances the engine is driving right now.
	active func() int

	// sampleCPU and sampleMem are swappable so tests run without touching
	// the host.
	sampleCPU func(ctx context.Context) (float64, error)
	sampleMem func(ctx context.Context) (float64, error)
}

// NewCollector creates a collector for the local engine. active may be nil
// when the caller does not track in-flight instances.
func NewCollector(engineID, addr string, capabilities []string, active func() int) *Collector {
	return &Collector{
		engineID:     engineID,
		addr:         addr,
		capabilities: capabilities,
		active:       active,
		sampleCPU:    hostCPUPercent,
		sampleMem:    hostMemPercent,
	}
}

func hostCPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func hostMemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sample memory: %w", err)
	}
	return vm.UsedPercent, nil
}

// Sample builds the engine's current pool advertisement. LastSeen is left
// zero; the registry stamps it on Upsert.
func (c *Collector) Sample(ctx context.Context) (EngineInstance, error) {
	cpuPct, err := c.sampleCPU(ctx)
	if err != nil {
		return EngineInstance{}, err
	}
	memPct, err := c.sampleMem(ctx)
	if err != nil {
		return EngineInstance{}, err
	}

	inst := EngineInstance{
		ID:           c.engineID,
		Addr:         c.addr,
		Capabilities: c.capabilities,
		CPUPercent:   cpuPct,
		MemPercent:   memPct,
	}
	if c.active != nil {
		inst.ActiveInstances = c.active()
	}
	return inst, nil
}
