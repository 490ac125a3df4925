package buffer

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestNew(t *testing.T) {
	r := New[int](10, testLogger())
	if r.Cap() != 10 {
		t.Errorf("Expected capacity 10, got %d", r.Cap())
	}
	if r.Len() != 0 {
		t.Errorf("Expected length 0, got %d", r.Len())
	}

	if New[int](0, testLogger()).Cap() != 1 {
		t.Error("Expected non-positive capacity to be raised to 1")
	}
}

func TestDrain_Empty(t *testing.T) {
	r := New[int](5, testLogger())
	if items := r.Drain(); items != nil {
		t.Errorf("Expected nil for empty ring, got %v", items)
	}
}

func TestPush_Order(t *testing.T) {
	r := New[string](5, testLogger())
	r.Push("a", "b")
	r.Push("c")

	items := r.Drain()
	expected := []string{"a", "b", "c"}
	if len(items) != len(expected) {
		t.Fatalf("Expected %d items, got %d", len(expected), len(items))
	}
	for i := range expected {
		if items[i] != expected[i] {
			t.Errorf("Expected item[%d]=%s, got %s", i, expected[i], items[i])
		}
	}
	if r.Len() != 0 {
		t.Errorf("Expected empty ring after drain, got %d", r.Len())
	}
}

func TestPush_Overflow(t *testing.T) {
	r := New[int](3, testLogger())
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Errorf("Expected length 3, got %d", r.Len())
	}
	if r.Dropped() != 2 {
		t.Errorf("Expected 2 dropped items, got %d", r.Dropped())
	}

	items := r.Drain()
	expected := []int{3, 4, 5}
	for i := range expected {
		if items[i] != expected[i] {
			t.Errorf("Expected item[%d]=%d, got %d", i, expected[i], items[i])
		}
	}
}

func TestPush_AfterDrainWraps(t *testing.T) {
	r := New[int](3, testLogger())
	r.Push(1, 2)
	r.Drain()
	r.Push(3, 4, 5, 6)

	items := r.Drain()
	expected := []int{4, 5, 6}
	if len(items) != len(expected) {
		t.Fatalf("Expected %d items, got %d", len(expected), len(items))
	}
	for i := range expected {
		if items[i] != expected[i] {
			t.Errorf("Expected item[%d]=%d, got %d", i, expected[i], items[i])
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New[int](100, testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(val int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				r.Push(val*10 + j)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 100 {
		t.Errorf("Expected length 100, got %d", r.Len())
	}
	if items := r.Drain(); len(items) != 100 {
		t.Errorf("Expected 100 items, got %d", len(items))
	}
}
