package ringbuffer

import "testing"

func TestCapacityCoercedToTwo(t *testing.T) {
	b := New[int](1, ModeLatest)
	if b.Cap() != 2 {
		t.Fatalf("expected capacity coerced to 2, got %d", b.Cap())
	}
	b0 := New[int](0, ModeLatest)
	if b0.Cap() != 2 {
		t.Fatalf("expected capacity coerced to 2, got %d", b0.Cap())
	}
}

func TestLatestModeAlwaysReturnsMostRecent(t *testing.T) {
	b := New[int](4, ModeLatest)
	if !b.IsEmpty() {
		t.Fatal("expected new buffer to be empty")
	}
	b.Put(1)
	b.Put(2)
	b.Put(3)
	if !b.IsNew() {
		t.Fatal("expected fresh value after put")
	}
	if got := b.Get(); got != 3 {
		t.Fatalf("expected latest value 3, got %d", got)
	}
	if !b.IsEmpty() {
		t.Fatal("expected empty after get")
	}
}

// isEmpty() iff the current read slot is not fresh.
func TestIsEmptyInvariant(t *testing.T) {
	b := New[string](2, ModeLatest)
	if !b.IsEmpty() {
		t.Fatal("never-written buffer must be empty")
	}
	b.Put("x")
	if b.IsEmpty() {
		t.Fatal("freshly-written slot must not be empty")
	}
	b.Get()
	if !b.IsEmpty() {
		t.Fatal("slot must be empty immediately after get")
	}
}

func TestIsFullAlwaysFalse(t *testing.T) {
	b := New[int](2, ModeLatest)
	for i := 0; i < 10; i++ {
		b.Put(i)
		if b.IsFull() {
			t.Fatal("IsFull must always report false")
		}
	}
}

func TestInitPrefills(t *testing.T) {
	b := New[int](3, ModeLatest)
	b.Init(7)
	if got := b.Get(); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestFIFOModeOrdering(t *testing.T) {
	b := New[int](4, ModeFIFO)
	b.Put(1)
	b.Put(2)
	b.Put(3)
	for _, want := range []int{1, 2, 3} {
		if got := b.Get(); got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if !b.IsEmpty() {
		t.Fatal("expected empty after draining all writes")
	}
}

// Capacity 4, writer lapping a blocked reader: after writing 1..10
// unread, the next 4 reads yield the newest four values {7,8,9,10}.
func TestFIFOModeOverwritePolicy(t *testing.T) {
	b := New[int](4, ModeFIFO)
	for i := 1; i <= 10; i++ {
		b.Put(i)
	}
	for _, want := range []int{7, 8, 9, 10} {
		if got := b.Get(); got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestWillOverwriteTracksUnreadWriteSlot(t *testing.T) {
	b := New[int](4, ModeFIFO)
	for i := 1; i <= 3; i++ {
		b.Put(i)
		if b.WillOverwrite() {
			t.Fatalf("buffer with %d of 4 slots used must not report overwrite", i)
		}
	}
	b.Put(4)
	if !b.WillOverwrite() {
		t.Fatal("full buffer must report that the next put overwrites")
	}
	b.Get()
	if b.WillOverwrite() {
		t.Fatal("draining one value must free the next write slot")
	}
}

func TestGetOnEmptyReturnsLastWritten(t *testing.T) {
	b := New[int](2, ModeLatest)
	b.Put(42)
	first := b.Get()
	second := b.Get()
	if first != 42 || second != 42 {
		t.Fatalf("expected repeated reads of last written value, got %d then %d", first, second)
	}
	if !b.IsEmpty() {
		t.Fatal("expected isEmpty true after repeated read")
	}
}
