package snowflake

import "testing"

func TestGenerateIsMonotonicAndEmbedsWorker(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var last int64
	for i := 0; i < 5000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if id <= last {
			t.Fatalf("ids must increase: %d <= %d", id, last)
		}
		last = id
	}

	if worker := (last >> workerIDShift) & maxWorkerID; worker != 7 {
		t.Fatalf("expected worker 7, got %d", worker)
	}
}

func TestClockMovedBack(t *testing.T) {
	g, _ := New(1)
	ts := int64(1704067200000 + 1000)
	g.now = func() int64 { return ts }
	if _, err := g.Generate(); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ts -= 10
	if _, err := g.Generate(); err != ErrClockMovedBack {
		t.Fatalf("expected ErrClockMovedBack, got %v", err)
	}
}

func TestInvalidWorker(t *testing.T) {
	if _, err := New(1024); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
}
