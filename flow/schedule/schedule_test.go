package schedule

import (
	"context"
	"errors"
	"testing"
	"time"
)

func pool() []EngineInstance {
	now := time.Now()
	return []EngineInstance{
		{ID: "eng-a", Capabilities: []string{"charge", "notify"}, CPUPercent: 80, MemPercent: 50, ActiveInstances: 4, LastSeen: now},
		{ID: "eng-b", Capabilities: []string{"charge", "notify", "ship"}, CPUPercent: 10, MemPercent: 20, ActiveInstances: 1, LastSeen: now},
		{ID: "eng-c", Capabilities: []string{"charge"}, CPUPercent: 30, MemPercent: 30, ActiveInstances: 2, LastSeen: now},
	}
}

func TestEligible(t *testing.T) {
	now := time.Now()

	t.Run("capability superset filter", func(t *testing.T) {
		got := Eligible(pool(), Requirement{Capabilities: []string{"charge", "ship"}}, 0, now)
		if len(got) != 1 || got[0].ID != "eng-b" {
			t.Errorf("eligible = %+v, want [eng-b]", got)
		}
	})

	t.Run("no requirement matches everyone", func(t *testing.T) {
		got := Eligible(pool(), Requirement{}, 0, now)
		if len(got) != 3 {
			t.Errorf("eligible = %d engines, want 3", len(got))
		}
		// deterministic ID order
		if got[0].ID != "eng-a" || got[2].ID != "eng-c" {
			t.Errorf("order = %v %v %v", got[0].ID, got[1].ID, got[2].ID)
		}
	})

	t.Run("stale engines drop out", func(t *testing.T) {
		engines := pool()
		engines[1].LastSeen = now.Add(-time.Minute)
		got := Eligible(engines, Requirement{}, 30*time.Second, now)
		if len(got) != 2 {
			t.Errorf("eligible = %+v, want eng-a and eng-c", got)
		}
	})
}

func TestSelectRoundRobin(t *testing.T) {
	eligible := Eligible(pool(), Requirement{}, 0, time.Now())

	seen := map[string]int{}
	for tick := uint64(0); tick < 6; tick++ {
		e, err := SelectRoundRobin(eligible, tick)
		if err != nil {
			t.Fatalf("SelectRoundRobin error: %v", err)
		}
		seen[e.ID]++
	}
	for _, id := range []string{"eng-a", "eng-b", "eng-c"} {
		if seen[id] != 2 {
			t.Errorf("engine %s picked %d times, want 2", id, seen[id])
		}
	}

	if _, err := SelectRoundRobin(nil, 0); !errors.Is(err, ErrNoEligibleEngine) {
		t.Errorf("empty pool error = %v, want ErrNoEligibleEngine", err)
	}
}

func TestSelectLoadBalanced(t *testing.T) {
	e, err := SelectLoadBalanced(Eligible(pool(), Requirement{}, 0, time.Now()))
	if err != nil {
		t.Fatalf("SelectLoadBalanced error: %v", err)
	}
	if e.ID != "eng-b" {
		t.Errorf("picked %s, want eng-b (lowest load score)", e.ID)
	}

	t.Run("active instances outweigh idle cpu", func(t *testing.T) {
		engines := []EngineInstance{
			{ID: "idle-but-busy", CPUPercent: 0, MemPercent: 0, ActiveInstances: 50},
			{ID: "loaded-but-free", CPUPercent: 60, MemPercent: 40, ActiveInstances: 0},
		}
		e, err := SelectLoadBalanced(engines)
		if err != nil {
			t.Fatalf("SelectLoadBalanced error: %v", err)
		}
		if e.ID != "loaded-but-free" {
			t.Errorf("picked %s, want loaded-but-free", e.ID)
		}
	})
}

func TestSelectAffinity(t *testing.T) {
	eligible := Eligible(pool(), Requirement{}, 0, time.Now())

	e, err := SelectAffinity(eligible, "eng-a", 0)
	if err != nil || e.ID != "eng-a" {
		t.Errorf("SelectAffinity = %v, %v, want eng-a", e.ID, err)
	}

	// preferred engine gone: fall back to round-robin rotation
	seen := map[string]int{}
	for tick := uint64(0); tick < 3; tick++ {
		e, err = SelectAffinity(eligible, "eng-gone", tick)
		if err != nil {
			t.Fatalf("SelectAffinity fallback error: %v", err)
		}
		seen[e.ID]++
	}
	for _, id := range []string{"eng-a", "eng-b", "eng-c"} {
		if seen[id] != 1 {
			t.Errorf("fallback picked %s %d times, want rotation over the pool", id, seen[id])
		}
	}
}

func TestSelectAdaptive(t *testing.T) {
	t.Run("even pool rotates", func(t *testing.T) {
		engines := []EngineInstance{
			{ID: "a", CPUPercent: 10},
			{ID: "b", CPUPercent: 12},
		}
		first, _ := SelectAdaptive(engines, 0)
		second, _ := SelectAdaptive(engines, 1)
		if first.ID == second.ID {
			t.Errorf("even pool should rotate, got %s twice", first.ID)
		}
	})

	t.Run("uneven pool load-balances", func(t *testing.T) {
		engines := []EngineInstance{
			{ID: "a", CPUPercent: 90, ActiveInstances: 10},
			{ID: "b", CPUPercent: 5},
		}
		for tick := uint64(0); tick < 4; tick++ {
			e, err := SelectAdaptive(engines, tick)
			if err != nil || e.ID != "b" {
				t.Errorf("tick %d: picked %s, want b", tick, e.ID)
			}
		}
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(30 * time.Second)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	current := base
	reg.SetClock(func() time.Time { return current })

	reg.Upsert(EngineInstance{ID: "eng-a", Capabilities: []string{"charge"}})
	reg.Upsert(EngineInstance{ID: "eng-b", Capabilities: []string{"charge"}})

	if got := reg.Snapshot(); len(got) != 2 {
		t.Fatalf("snapshot = %d engines, want 2", len(got))
	}

	// eng-a stops heartbeating; eng-b keeps refreshing
	current = base.Add(20 * time.Second)
	reg.Upsert(EngineInstance{ID: "eng-b", Capabilities: []string{"charge"}})
	current = base.Add(45 * time.Second)

	got := reg.Snapshot()
	if len(got) != 1 || got[0].ID != "eng-b" {
		t.Errorf("snapshot after staleness = %+v, want [eng-b]", got)
	}

	reg.Remove("eng-b")
	if got := reg.Snapshot(); len(got) != 0 {
		t.Errorf("snapshot after remove = %+v, want empty", got)
	}
}

func TestPicker(t *testing.T) {
	reg := NewRegistry(0)
	for _, e := range pool() {
		reg.Upsert(e)
	}

	t.Run("load balanced", func(t *testing.T) {
		p := NewPicker(reg, StrategyLoadBalanced)
		e, err := p.Pick(Requirement{Capabilities: []string{"charge"}})
		if err != nil || e.ID != "eng-b" {
			t.Errorf("Pick = %v, %v, want eng-b", e.ID, err)
		}
	})

	t.Run("round robin advances per pick", func(t *testing.T) {
		p := NewPicker(reg, StrategyRoundRobin)
		first, _ := p.Pick(Requirement{})
		second, _ := p.Pick(Requirement{})
		if first.ID == second.ID {
			t.Errorf("consecutive picks returned %s twice", first.ID)
		}
	})

	t.Run("capability strategy load-balances the matches", func(t *testing.T) {
		p := NewPicker(reg, StrategyCapability)
		e, err := p.Pick(Requirement{Capabilities: []string{"charge", "notify"}})
		if err != nil || e.ID != "eng-b" {
			t.Errorf("Pick = %v, %v, want eng-b", e.ID, err)
		}
	})

	t.Run("unmatchable requirement", func(t *testing.T) {
		p := NewPicker(reg, StrategyLoadBalanced)
		if _, err := p.Pick(Requirement{Capabilities: []string{"teleport"}}); !errors.Is(err, ErrNoEligibleEngine) {
			t.Errorf("Pick error = %v, want ErrNoEligibleEngine", err)
		}
	})
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"round-robin", StrategyRoundRobin, false},
		{"load-balanced", StrategyLoadBalanced, false},
		{"capability", StrategyCapability, false},
		{"affinity", StrategyAffinity, false},
		{"adaptive", StrategyAdaptive, false},
		{"", StrategyLoadBalanced, false},
		{"random", "", true},
	}
	for _, tc := range cases {
		got, err := ParseStrategy(tc.in)
		if tc.wantErr != (err != nil) || got != tc.want {
			t.Errorf("ParseStrategy(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestCollector_Sample(t *testing.T) {
	c := NewCollector("eng-local", "10.0.0.5:8080", []string{"charge", "ship"}, func() int { return 3 })
	c.sampleCPU = func(context.Context) (float64, error) { return 42.5, nil }
	c.sampleMem = func(context.Context) (float64, error) { return 61.0, nil }

	got, err := c.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}
	if got.ID != "eng-local" || got.CPUPercent != 42.5 || got.MemPercent != 61.0 || got.ActiveInstances != 3 {
		t.Errorf("Sample = %+v", got)
	}
	if !got.LastSeen.IsZero() {
		t.Error("LastSeen is stamped by the registry, not the collector")
	}

	c.sampleCPU = func(context.Context) (float64, error) { return 0, errors.New("proc unavailable") }
	if _, err := c.Sample(context.Background()); err == nil {
		t.Error("cpu sampling failure should propagate")
	}
}
