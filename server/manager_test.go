package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/health"
	"github.com/florinutz/icetable/icetableerr"
)

func TestManager_AddValidates(t *testing.T) {
	mgr := NewManager(newCatalog(t, 0), nil, nil)

	tests := []struct {
		name string
		cfg  JobConfig
		want string
	}{
		{"no name", JobConfig{Table: "webapp.user_events", Kind: KindExpire, Interval: time.Minute}, "name is required"},
		{"bad table", JobConfig{Name: "j", Table: "user_events", Kind: KindExpire, Interval: time.Minute}, "invalid identifier"},
		{"bad kind", JobConfig{Name: "j", Table: "webapp.user_events", Kind: "vacuum", Interval: time.Minute}, "unknown kind"},
		{"no interval", JobConfig{Name: "j", Table: "webapp.user_events", Kind: KindCompact}, "interval must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mgr.Add(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestManager_AddDuplicate(t *testing.T) {
	mgr := NewManager(newCatalog(t, 0), nil, nil)
	cfg := JobConfig{Name: "expire-events", Table: "webapp.user_events", Kind: KindExpire, Interval: time.Minute}
	if err := mgr.Add(cfg); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Add(cfg); !errors.Is(err, icetableerr.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if len(mgr.List()) != 1 {
		t.Fatalf("jobs = %d, want 1", len(mgr.List()))
	}
}

func TestManager_RunExpire(t *testing.T) {
	cat := newCatalog(t, 3)
	mgr := NewManager(cat, nil, nil)
	mgr.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := mgr.Add(JobConfig{
		Name: "expire-events", Table: "webapp.user_events", Kind: KindExpire,
		Interval: time.Hour, OlderThan: time.Minute, RetainLast: 1,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := mgr.RunNow(context.Background(), "expire-events")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExpiredSnapshots != 2 || res.SnapshotID != 3 {
		t.Errorf("result = %+v", res)
	}

	tbl, err := cat.LoadTable(context.Background(), catalog.NewIdentifier(catalog.Namespace{"webapp"}, "user_events"))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(tbl.Snapshots()); n != 1 {
		t.Errorf("snapshots left = %d, want 1", n)
	}

	info, err := mgr.Get("expire-events")
	if err != nil {
		t.Fatal(err)
	}
	if info.Runs != 1 || info.LastRun == nil || info.LastRun.ExpiredSnapshots != 2 {
		t.Errorf("info = %+v", info)
	}
}

func TestManager_RunMissingTable(t *testing.T) {
	checker := health.NewChecker()
	mgr := NewManager(newCatalog(t, 0), checker, nil)
	if err := mgr.Add(JobConfig{Name: "compact-logs", Table: "webapp.logs", Kind: KindCompact, Interval: time.Hour}); err != nil {
		t.Fatal(err)
	}
	res, err := mgr.RunNow(context.Background(), "compact-logs")
	if !errors.Is(err, icetableerr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if res.Error == "" {
		t.Error("run result carries no error")
	}
	_, comps, _ := checker.Check(context.Background())
	if comps["job:compact-logs"] != health.StatusDegraded {
		t.Errorf("health = %q, want degraded", comps["job:compact-logs"])
	}
}

func TestManager_CompactEmptyTableIsNoop(t *testing.T) {
	mgr := NewManager(newCatalog(t, 0), nil, nil)
	if err := mgr.Add(JobConfig{Name: "c", Table: "webapp.user_events", Kind: KindCompact, Interval: time.Hour}); err != nil {
		t.Fatal(err)
	}
	res, err := mgr.RunNow(context.Background(), "c")
	if err != nil || res.SnapshotID != 0 {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
}

func TestManager_StartStopLifecycle(t *testing.T) {
	mgr := NewManager(newCatalog(t, 2), nil, nil)
	if err := mgr.Add(JobConfig{Name: "compact", Table: "webapp.user_events", Kind: KindCompact, Interval: 10 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := mgr.Start(ctx, "compact"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Start(ctx, "compact"); err == nil {
		t.Fatal("second start should fail")
	}
	if err := mgr.Remove("compact"); err == nil {
		t.Fatal("remove of running job should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		info, _ := mgr.Get("compact")
		if info.Runs > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := mgr.Stop("compact"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, _ := mgr.Get("compact")
	if info.Status != StatusStopped || info.StartedAt != nil {
		t.Errorf("info after stop = %+v", info)
	}
	if err := mgr.Remove("compact"); err != nil {
		t.Fatalf("remove: %v", err)
	}
}

func TestManager_StartAllStopAll(t *testing.T) {
	mgr := NewManager(newCatalog(t, 0), nil, nil)
	for _, name := range []string{"b", "a"} {
		if err := mgr.Add(JobConfig{Name: name, Table: "webapp.user_events", Kind: KindExpire, Interval: time.Hour}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	infos := mgr.List()
	if infos[0].Name != "a" || infos[1].Name != "b" {
		t.Errorf("list not sorted: %s, %s", infos[0].Name, infos[1].Name)
	}
	for _, info := range infos {
		if info.Status != StatusRunning {
			t.Errorf("%s status = %s", info.Name, info.Status)
		}
	}
	mgr.StopAll()
	for _, info := range mgr.List() {
		if info.Status != StatusStopped {
			t.Errorf("%s status after stop all = %s", info.Name, info.Status)
		}
	}
}

func TestManager_FailingJobOpensCircuit(t *testing.T) {
	mgr := NewManager(newCatalog(t, 0), nil, nil)
	cfg := JobConfig{Name: "expire-logs", Table: "webapp.logs", Kind: KindExpire, Interval: 20 * time.Millisecond}
	if err := mgr.Add(cfg); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for range breakerThreshold {
		if _, err := mgr.RunNow(ctx, cfg.Name); err == nil {
			t.Fatal("run against a missing table succeeded")
		}
	}
	info, _ := mgr.Get(cfg.Name)
	if info.Circuit != "open" {
		t.Fatalf("circuit = %s, want open", info.Circuit)
	}

	// The cooldown is five intervals; two ticks land inside it.
	if err := mgr.Start(ctx, cfg.Name); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := mgr.Stop(cfg.Name); err != nil {
		t.Fatal(err)
	}
	info, _ = mgr.Get(cfg.Name)
	if info.Runs != breakerThreshold || info.Skipped == 0 {
		t.Errorf("runs = %d, skipped = %d; want %d runs and skipped ticks", info.Runs, info.Skipped, breakerThreshold)
	}
}
