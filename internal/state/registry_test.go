package state

import (
	"sync"
	"testing"
)

func TestSetGetExactType(t *testing.T) {
	r := NewRegistry()
	r.Set("limit", 42)

	got, ok := Get[int](r, "limit")
	if !ok || got != 42 {
		t.Fatalf("Get[int]: want=(42,true) got=(%d,%v)", got, ok)
	}

	if _, ok := Get[int64](r, "limit"); ok {
		t.Fatalf("Get[int64] should miss a value stored as int")
	}
	if _, ok := Get[string](r, "limit"); ok {
		t.Fatalf("Get[string] should miss a value stored as int")
	}
	if _, ok := Get[int](r, "missing"); ok {
		t.Fatalf("Get on missing key should report absent")
	}
}

type greeter interface{ Greet() string }

type englishGreeter struct{}

func (englishGreeter) Greet() string { return "hello" }

func TestInterfaceTypesMatchExactly(t *testing.T) {
	r := NewRegistry()
	r.Set("concrete", englishGreeter{})
	r.Set("iface", greeter(englishGreeter{}))

	// A concrete value is not visible under the interface type: the
	// stored type is englishGreeter, not greeter.
	if _, ok := Get[greeter](r, "concrete"); ok {
		t.Fatalf("concrete value should not satisfy Get[greeter]")
	}
	// Interface values are stored under their dynamic type.
	if _, ok := Get[englishGreeter](r, "iface"); !ok {
		t.Fatalf("expected dynamic type lookup to succeed")
	}
}

func TestRebind(t *testing.T) {
	r := NewRegistry()
	r.Set("mode", "dev")
	r.Set("mode", 7)

	if _, ok := Get[string](r, "mode"); ok {
		t.Fatalf("old type should be gone after rebind")
	}
	got, ok := Get[int](r, "mode")
	if !ok || got != 7 {
		t.Fatalf("rebind: want=(7,true) got=(%d,%v)", got, ok)
	}
}

func TestSnapshotSubsetAndIsolation(t *testing.T) {
	r := NewRegistry()
	r.Set("a", 1)
	r.Set("b", "two")
	r.Set("c", 3.0)

	snap := r.Snapshot("a", "b", "nope")
	if snap.Len() != 2 {
		t.Fatalf("snapshot len: want=2 got=%d", snap.Len())
	}
	if v, ok := snap.Get("a"); !ok || v.(int) != 1 {
		t.Fatalf("snapshot a: got=(%v,%v)", v, ok)
	}
	if _, ok := snap.Get("c"); ok {
		t.Fatalf("snapshot should not include unrequested keys")
	}

	// Later writes never leak into an existing snapshot.
	r.Set("a", 100)
	if v, _ := snap.Get("a"); v.(int) != 1 {
		t.Fatalf("snapshot mutated by later Set: got=%v", v)
	}

	all := r.Snapshot()
	if all.Len() != 3 {
		t.Fatalf("full snapshot len: want=3 got=%d", all.Len())
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := NewRegistry()
	r.Set("n", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%4 == 0 {
					r.Set("n", j)
				} else {
					Get[int](r, "n")
				}
			}
		}(i)
	}
	wg.Wait()

	if _, ok := Get[int](r, "n"); !ok {
		t.Fatalf("expected key to survive concurrent access")
	}
}
