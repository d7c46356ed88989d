package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShouldStoreFirstSightOnly(t *testing.T) {
	w := NewWindow(time.Minute)

	if !w.ShouldStore("page_view", "e1") {
		t.Fatal("first sight should store")
	}
	if w.ShouldStore("page_view", "e1") {
		t.Error("repeat inside window should not store")
	}
}

func TestFingerprintIsNameAndID(t *testing.T) {
	w := NewWindow(time.Minute)
	w.ShouldStore("page_view", "e1")

	if !w.ShouldStore("click", "e1") {
		t.Error("same id under a different name is a distinct event")
	}
	if !w.ShouldStore("page_view", "e2") {
		t.Error("same name with a different id is a distinct event")
	}
}

func TestWindowExpiry(t *testing.T) {
	w := NewWindow(50 * time.Millisecond)

	if !w.ShouldStore("page_view", "e1") {
		t.Fatal("first sight should store")
	}
	time.Sleep(20 * time.Millisecond)
	if w.ShouldStore("page_view", "e1") {
		t.Fatal("repeat inside window should not store")
	}

	// The duplicate hit above must not have extended the window.
	time.Sleep(100 * time.Millisecond)
	if !w.ShouldStore("page_view", "e1") {
		t.Error("after expiry the event should store again")
	}
}

func TestShouldStoreRace(t *testing.T) {
	w := NewWindow(time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.ShouldStore("purchase", "e-race") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want exactly 1", got)
	}
}

func TestLen(t *testing.T) {
	w := NewWindow(time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		w.ShouldStore("page_view", id)
	}
	if got := w.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}
