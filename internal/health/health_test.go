package health

import (
	"context"
	"sync"
	"testing"
)

func pass(name string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func fail(name, detail string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: false, Detail: detail}
	}
}

func TestCheckAllNoProbes(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	if !ok || len(statuses) != 0 {
		t.Fatalf("empty registry = (%v, %d statuses), want healthy with none", ok, len(statuses))
	}
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("database", pass("database"))
	r.Register("stripe", pass("stripe"))

	ok, statuses := r.CheckAll(context.Background())
	if !ok {
		t.Fatal("all probes pass but registry reported degraded")
	}
	if len(statuses) != 2 || statuses[0].Name != "database" || statuses[1].Name != "stripe" {
		t.Fatalf("statuses = %+v, want database then stripe", statuses)
	}
}

func TestCheckAllOneFailureDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("database", pass("database"))
	r.Register("stripe", fail("stripe", "dial timeout"))

	ok, statuses := r.CheckAll(context.Background())
	if ok {
		t.Fatal("failing probe did not degrade the aggregate")
	}
	if statuses[1].Detail != "dial timeout" {
		t.Fatalf("detail = %q, want the probe's failure detail", statuses[1].Detail)
	}
	// The passing probe still appears in the results.
	if !statuses[0].Healthy {
		t.Error("passing probe reported unhealthy")
	}
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("database", pass("database"))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	if ok, statuses := r.CheckAll(context.Background()); !ok || len(statuses) != 10 {
		t.Fatalf("after concurrent use = (%v, %d statuses), want healthy with 10", ok, len(statuses))
	}
}
