package alloc

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	p := NewPool(4, 128) // 512-byte arena
	before := p.Stats()

	b, ok := p.Alloc(32)
	if !ok {
		t.Fatal("alloc failed")
	}
	copy(p.Bytes(b), []byte("hello"))
	if string(p.Bytes(b)[:5]) != "hello" {
		t.Fatal("payload not written through handle")
	}

	p.Free(b)
	after := p.Stats()
	if after.Used != before.Used {
		t.Fatalf("used_size did not return to baseline: before=%d after=%d", before.Used, after.Used)
	}
}

func TestAllocZeroLengthReturnsNilHandle(t *testing.T) {
	p := NewPool(4, 128)
	b, ok := p.Alloc(0)
	if ok || b != nil {
		t.Fatal("alloc(0) must fail with nil handle")
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPool(1, 64)
	_, ok := p.Alloc(1000)
	if ok {
		t.Fatal("expected exhaustion")
	}
}

func TestBestFitPrefersTighterBlock(t *testing.T) {
	p := NewPool(8, 128) // 1024 bytes
	a, _ := p.Alloc(64)
	b, _ := p.Alloc(200)
	c, _ := p.Alloc(64)
	p.Free(b) // create a 200-ish free hole between two used blocks

	// A request that fits the hole exactly-ish should reuse it rather
	// than exhausting the tail of the arena.
	d, ok := p.Alloc(150)
	if !ok {
		t.Fatal("expected best-fit reuse of freed hole")
	}
	if d.offset >= c.offset {
		t.Fatalf("expected the freed hole before c to be reused, got offset %d", d.offset)
	}
	p.Free(a)
	p.Free(c)
	p.Free(d)

	stats := p.Stats()
	if stats.Used != 0 {
		t.Fatalf("expected fully coalesced pool after freeing everything, used=%d", stats.Used)
	}
}

func TestPeakIsMonotonic(t *testing.T) {
	p := NewPool(4, 128)
	var peaks []int
	blocks := make([]*Block, 0)
	for i := 0; i < 4; i++ {
		b, ok := p.Alloc(40)
		if !ok {
			break
		}
		blocks = append(blocks, b)
		peaks = append(peaks, p.Stats().Peak)
	}
	for i := 1; i < len(peaks); i++ {
		if peaks[i] < peaks[i-1] {
			t.Fatalf("peak_use regressed: %v", peaks)
		}
	}
	for _, b := range blocks {
		p.Free(b)
	}
	if p.Stats().Peak < peaks[len(peaks)-1] {
		t.Fatal("peak_use must not decrease after freeing")
	}
}

func TestFreeNilIsNoop(t *testing.T) {
	p := NewPool(1, 64)
	p.Free(nil) // must not panic
}

func TestForwardCoalesce(t *testing.T) {
	p := NewPool(4, 128)
	a, _ := p.Alloc(32)
	b, _ := p.Alloc(32)
	c, _ := p.Alloc(32)
	p.Free(a)
	p.Free(b)
	p.Free(c)

	// Fully coalesced: a single allocation spanning (most of) the arena
	// should now succeed in one shot.
	big, ok := p.Alloc(400)
	if !ok {
		t.Fatal("expected coalesced free space to satisfy a large allocation")
	}
	p.Free(big)
}
