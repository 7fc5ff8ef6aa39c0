package memory

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

const mb = 1 << 20

func TestAllocateWithinBudget(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 10 * mb})

	h, err := m.Allocate(KindVertex, 4*mb, PriorityMedium)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if h.IsZero() {
		t.Fatal("Allocate() returned zero handle")
	}
	if !m.IsLive(h) {
		t.Error("IsLive() = false after Allocate")
	}

	stats := m.Statistics()
	if stats.UsedBytes != 4*mb {
		t.Errorf("UsedBytes = %d, want %d", stats.UsedBytes, 4*mb)
	}
	if stats.Allocations != 1 {
		t.Errorf("Allocations = %d, want 1", stats.Allocations)
	}
	if stats.BytesByKind["vertex"] != 4*mb {
		t.Errorf("BytesByKind[vertex] = %d, want %d", stats.BytesByKind["vertex"], 4*mb)
	}
}

func TestAllocateErrors(t *testing.T) {
	tests := []struct {
		name    string
		size    uint64
		wantErr error
	}{
		{"zero size", 0, ErrInvalidSize},
		{"larger than budget", 11 * mb, ErrOutOfMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Config{BudgetBytes: 10 * mb})
			_, err := m.Allocate(KindUniform, tt.size, PriorityHigh)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Allocate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAllocateTexture(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 64 * mb})

	h, err := m.AllocateTexture(KindRenderTarget, 1920, 1080, PriorityHigh)
	if err != nil {
		t.Fatalf("AllocateTexture() error = %v", err)
	}
	a, ok := m.Lookup(h)
	if !ok {
		t.Fatal("Lookup() found nothing")
	}
	if want := uint64(1920 * 1080 * 4); a.Size != want {
		t.Errorf("Size = %d, want %d", a.Size, want)
	}
	if a.Width != 1920 || a.Height != 1080 {
		t.Errorf("extent = %dx%d, want 1920x1080", a.Width, a.Height)
	}

	if _, err := m.AllocateTexture(KindVertex, 10, 10, PriorityLow); err == nil {
		t.Error("AllocateTexture(KindVertex) should fail")
	}
}

func TestDeallocateIdempotent(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 10 * mb})
	h, _ := m.Allocate(KindIndex, mb, PriorityLow)

	m.Deallocate(h)
	m.Deallocate(h)
	m.Deallocate(Handle{})

	if m.IsLive(h) {
		t.Error("IsLive() = true after Deallocate")
	}
	if used := m.Statistics().UsedBytes; used != 0 {
		t.Errorf("UsedBytes = %d, want 0", used)
	}
}

// 1 GiB budget holding 9 x 100 MiB at low priority; an 800 MiB high-priority
// texture has to push out at least 700 MiB.
func TestEvictLowPriorityForLargeTexture(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 1 << 30})

	var low []Handle
	for i := 0; i < 9; i++ {
		h, err := m.Allocate(KindTexture, 100*mb, PriorityLow)
		if err != nil {
			t.Fatalf("Allocate(low #%d) error = %v", i, err)
		}
		low = append(low, h)
	}

	var evicted []Allocation
	m.OnEvict(func(a Allocation, reason EvictReason) {
		if reason != EvictPressure {
			t.Errorf("reason = %v, want pressure", reason)
		}
		evicted = append(evicted, a)
	})

	big, err := m.Allocate(KindTexture, 800*mb, PriorityHigh)
	if err != nil {
		t.Fatalf("Allocate(800MB high) error = %v", err)
	}
	if !m.IsLive(big) {
		t.Fatal("big texture not live")
	}

	var freed uint64
	for _, a := range evicted {
		freed += a.Size
	}
	if freed < 700*mb {
		t.Errorf("evicted %d MB, want >= 700 MB", freed/mb)
	}

	// Oldest allocations go first.
	for i, a := range evicted {
		if a.Handle != low[i] {
			t.Errorf("evicted[%d] = %v, want %v", i, a.Handle, low[i])
		}
	}

	stats := m.Statistics()
	if stats.UsedBytes > stats.BudgetBytes {
		t.Errorf("UsedBytes %d exceeds budget %d", stats.UsedBytes, stats.BudgetBytes)
	}
}

func TestEvictionOrderPriorityThenLRU(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 4 * mb})

	medOld, _ := m.Allocate(KindVertex, mb, PriorityMedium)
	lowOld, _ := m.Allocate(KindVertex, mb, PriorityLow)
	lowNew, _ := m.Allocate(KindVertex, mb, PriorityLow)
	medNew, _ := m.Allocate(KindVertex, mb, PriorityMedium)

	// Touching lowOld makes lowNew the least recently used low allocation.
	m.Touch(lowOld)

	if _, err := m.Allocate(KindVertex, 3*mb, PriorityHigh); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	for _, h := range []Handle{lowNew, lowOld, medOld} {
		if m.IsLive(h) {
			t.Errorf("%v should have been evicted", h)
		}
	}
	if !m.IsLive(medNew) {
		t.Error("most recent medium allocation should survive")
	}
}

func TestAllocateNoEvictionWhenCannotFit(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 4 * mb})

	low, _ := m.Allocate(KindVertex, mb, PriorityLow)
	high, _ := m.Allocate(KindVertex, 3*mb, PriorityHigh)

	// Only 1 MB is reclaimable below medium, the request needs 2 MB.
	_, err := m.Allocate(KindTexture, 2*mb, PriorityMedium)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Allocate() error = %v, want ErrOutOfMemory", err)
	}
	if !m.IsLive(low) || !m.IsLive(high) {
		t.Error("failed allocation must not evict anything")
	}
	if f := m.Statistics().Failures; f != 1 {
		t.Errorf("Failures = %d, want 1", f)
	}
}

func TestEqualPriorityNeverEvicted(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 2 * mb})
	a, _ := m.Allocate(KindVertex, 2*mb, PriorityMedium)

	if _, err := m.Allocate(KindVertex, mb, PriorityMedium); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Allocate() error = %v, want ErrOutOfMemory", err)
	}
	if !m.IsLive(a) {
		t.Error("equal-priority allocation was evicted")
	}
}

func TestBudgetNeverExceededRandomized(t *testing.T) {
	const budget = 64 * mb
	m := NewManager(Config{BudgetBytes: budget})
	rng := rand.New(rand.NewSource(7))

	var handles []Handle
	for i := 0; i < 5000; i++ {
		if len(handles) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(handles))
			m.Deallocate(handles[j])
			handles = append(handles[:j], handles[j+1:]...)
		} else {
			size := uint64(rng.Intn(16*mb) + 1)
			prio := Priority(rng.Intn(3))
			if h, err := m.Allocate(Kind(rng.Intn(int(kindCount))), size, prio); err == nil {
				handles = append(handles, h)
			} else if !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if used := m.Statistics().UsedBytes; used > budget {
			t.Fatalf("step %d: used %d exceeds budget %d", i, used, budget)
		}
	}
}

func TestGarbageCollectTTL(t *testing.T) {
	mock := clock.NewMock()
	m := NewManager(Config{BudgetBytes: 10 * mb, TTL: 10 * time.Second, Clock: mock})

	stale, _ := m.Allocate(KindTexture, mb, PriorityHigh)
	mock.Add(6 * time.Second)
	fresh, _ := m.Allocate(KindVertex, mb, PriorityLow)
	mock.Add(6 * time.Second)

	if n := m.GarbageCollect(); n != 1 {
		t.Errorf("GarbageCollect() = %d, want 1", n)
	}
	if m.IsLive(stale) {
		t.Error("stale allocation survived GC")
	}
	if !m.IsLive(fresh) {
		t.Error("fresh allocation was collected")
	}

	m.Touch(fresh)
	mock.Add(9 * time.Second)
	if n := m.GarbageCollect(); n != 0 {
		t.Errorf("GarbageCollect() after Touch = %d, want 0", n)
	}
	if exp := m.Statistics().Expired; exp != 1 {
		t.Errorf("Expired = %d, want 1", exp)
	}
}

func TestSetBudgetShrinks(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 8 * mb})
	low, _ := m.Allocate(KindVertex, 3*mb, PriorityLow)
	high, _ := m.Allocate(KindVertex, 3*mb, PriorityHigh)

	if err := m.SetBudget(4 * mb); err != nil {
		t.Fatalf("SetBudget() error = %v", err)
	}
	if m.IsLive(low) {
		t.Error("low allocation should be dropped first")
	}
	if !m.IsLive(high) {
		t.Error("high allocation should survive")
	}
}

type fakeBacking struct {
	mu       sync.Mutex
	created  int
	released int
	fail     bool
}

func (f *fakeBacking) Create(a *Allocation) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("device refused")
	}
	f.created++
	return a.Handle.String(), nil
}

func (f *fakeBacking) Release(*Allocation) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func TestBackingLifecycle(t *testing.T) {
	b := &fakeBacking{}
	m := NewManager(Config{BudgetBytes: 4 * mb, Backing: b})

	h, err := m.Allocate(KindUniform, mb, PriorityMedium)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	res, ok := m.Resource(h)
	if !ok || res != h.String() {
		t.Errorf("Resource() = %v, %v", res, ok)
	}

	m.Deallocate(h)
	if b.created != 1 || b.released != 1 {
		t.Errorf("created=%d released=%d, want 1/1", b.created, b.released)
	}

	b.fail = true
	if _, err := m.Allocate(KindUniform, mb, PriorityMedium); err == nil {
		t.Error("Allocate() should surface backing failure")
	}
	if used := m.Statistics().UsedBytes; used != 0 {
		t.Errorf("UsedBytes = %d after failed create, want 0", used)
	}
}

func TestFailedCreateKeepsVictims(t *testing.T) {
	b := &fakeBacking{}
	m := NewManager(Config{BudgetBytes: 4 * mb, Backing: b})
	low, err := m.Allocate(KindVertex, 3*mb, PriorityLow)
	if err != nil {
		t.Fatal(err)
	}

	b.fail = true
	if _, err := m.Allocate(KindTexture, 2*mb, PriorityHigh); err == nil {
		t.Fatal("Allocate() should surface backing failure")
	}
	if !m.IsLive(low) {
		t.Error("low allocation evicted for a request that failed")
	}
	if st := m.Statistics(); st.Evictions != 0 || st.UsedBytes != 3*mb {
		t.Errorf("Statistics() = %+v", st)
	}

	b.fail = false
	if _, err := m.Allocate(KindTexture, 2*mb, PriorityHigh); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if m.IsLive(low) || b.released != 1 {
		t.Errorf("low live=%v released=%d, want evicted", m.IsLive(low), b.released)
	}
}

func TestStatisticsMapIsCopied(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 4 * mb})
	if _, err := m.Allocate(KindVertex, mb, PriorityLow); err != nil {
		t.Fatal(err)
	}
	a := m.Statistics()
	a.BytesByKind["vertex"] = 0
	if b := m.Statistics(); b.BytesByKind["vertex"] != mb {
		t.Errorf("BytesByKind[vertex] = %d after writing a copy, want %d", b.BytesByKind["vertex"], mb)
	}
}

func TestReleaseAllAndClose(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 4 * mb})
	for i := 0; i < 3; i++ {
		_, _ = m.Allocate(KindVertex, mb, PriorityMedium)
	}
	if n := m.ReleaseAll(); n != 3 {
		t.Errorf("ReleaseAll() = %d, want 3", n)
	}

	m.Close()
	if _, err := m.Allocate(KindVertex, mb, PriorityMedium); !errors.Is(err, ErrClosed) {
		t.Errorf("Allocate() after Close error = %v, want ErrClosed", err)
	}
}

func TestStatisticsConcurrentReads(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 32 * mb})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s := m.Statistics()
					if s.UsedBytes > s.BudgetBytes {
						t.Errorf("used %d > budget %d", s.UsedBytes, s.BudgetBytes)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		h, err := m.Allocate(KindVertex, mb, Priority(i%3))
		if err == nil && i%2 == 0 {
			m.Deallocate(h)
		}
	}
	close(stop)
	wg.Wait()
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"low", PriorityLow, false},
		{"HIGH", PriorityHigh, false},
		{"", PriorityMedium, false},
		{"urgent", PriorityMedium, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriority(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStatisticsString(t *testing.T) {
	m := NewManager(Config{BudgetBytes: 100 * mb})
	_, _ = m.Allocate(KindTexture, 25*mb, PriorityLow)

	want := "Memory[25.0% used, 25/100 MB, 1 allocations, 0 evictions, 0 expired]"
	if got := m.Statistics().String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
