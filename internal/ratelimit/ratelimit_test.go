package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/florinutz/icetable/metrics"
)

func TestUnlimitedDeletesNeverWait(t *testing.T) {
	for _, rate := range []float64{0, -1} {
		l := New(rate, 10, "webapp.logs", nil)
		start := time.Now()
		for range 1000 {
			if err := l.Wait(context.Background(), "data_file"); err != nil {
				t.Fatalf("rate %v: %v", rate, err)
			}
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("rate %v: 1000 deletions took %v", rate, elapsed)
		}
		if waits, waited := l.Throttled(); waits != 0 || waited != 0 {
			t.Errorf("rate %v: throttled %d times for %v", rate, waits, waited)
		}
	}
}

func TestUnlimitedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(0, 0, "webapp.logs", nil).Wait(ctx, "manifest"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBurstThenPaced(t *testing.T) {
	// 20 deletions/s with a burst of 5: the first five go at once, the next
	// five each wait about 50ms.
	l := New(20, 5, "webapp.logs", nil)
	before := testutil.ToFloat64(metrics.GCDeleteWaits.WithLabelValues("manifest_list"))

	start := time.Now()
	for range 10 {
		if err := l.Wait(context.Background(), "manifest_list"); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 200*time.Millisecond || elapsed > time.Second {
		t.Errorf("10 deletions took %v, want about 250ms", elapsed)
	}

	waits, waited := l.Throttled()
	if waits < 4 || waits > 5 {
		t.Errorf("waits = %d, want the deletions past the burst", waits)
	}
	if waited < 150*time.Millisecond {
		t.Errorf("waited = %v, want most of the run", waited)
	}
	if got := testutil.ToFloat64(metrics.GCDeleteWaits.WithLabelValues("manifest_list")) - before; int(got) != waits {
		t.Errorf("wait counter grew by %v, want %d", got, waits)
	}
}

func TestZeroBurstStillDeletes(t *testing.T) {
	l := New(1000, 0, "webapp.logs", nil)
	for range 3 {
		if err := l.Wait(context.Background(), "data_file"); err != nil {
			t.Fatalf("burst 0: %v", err)
		}
	}
}

func TestSharedAcrossDeleteWorkers(t *testing.T) {
	// Expiry deletes with several workers drawing from one bucket.
	l := New(50, 1, "webapp.logs", nil)
	start := time.Now()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 3 {
				if err := l.Wait(context.Background(), "data_file"); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	// 12 deletions at 50/s with one free token need about 220ms.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("12 deletions across workers took %v, want the shared rate", elapsed)
	}
}

func TestWaitAbandonedOnCancel(t *testing.T) {
	l := New(1, 1, "webapp.logs", nil)
	if err := l.Wait(context.Background(), "manifest"); err != nil {
		t.Fatalf("burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "manifest"); err == nil {
		t.Fatal("expected an error once the run is cancelled")
	}
	if waits, _ := l.Throttled(); waits != 0 {
		t.Errorf("abandoned wait counted as throttled: %d", waits)
	}
}
