package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/huddle/internal/core/domain"
)

func TestThrottle_SixthConnectionRejected(t *testing.T) {
	clk := newFakeClock()
	th := NewThrottle(5, 60*time.Second, clk)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		if err := th.Acquire("1.2.3.4"); err != nil {
			t.Fatalf("connection %d: %v", i+1, err)
		}
	}
	if err := th.Acquire("1.2.3.4"); !errors.Is(err, domain.ErrTooManyConnections) {
		t.Fatalf("6th connection: %v", err)
	}
	// The mapped form is the same client.
	if err := th.Acquire("[::ffff:1.2.3.4]:5555"); !errors.Is(err, domain.ErrTooManyConnections) {
		t.Fatalf("mapped address bypassed the limit: %v", err)
	}
	if err := th.Acquire("1.2.3.5"); err != nil {
		t.Fatalf("other address: %v", err)
	}

	th.Release("1.2.3.4")
	if err := th.Acquire("1.2.3.4"); err != nil {
		t.Fatalf("after release: %v", err)
	}
	if th.Live("1.2.3.4") != 5 {
		t.Fatalf("live = %d", th.Live("1.2.3.4"))
	}
}

func TestThrottle_ReleaseNeverGoesNegative(t *testing.T) {
	th := NewThrottle(1, time.Minute, newFakeClock())
	th.Release("10.0.0.1")
	th.Acquire("10.0.0.1")
	th.Release("10.0.0.1")
	th.Release("10.0.0.1")
	if th.Live("10.0.0.1") != 0 {
		t.Fatalf("live = %d", th.Live("10.0.0.1"))
	}
	if err := th.Acquire("10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := th.Acquire("10.0.0.1"); err == nil {
		t.Fatal("second connection allowed with max 1")
	}
}

func TestThrottle_SweepKeepsLiveEntries(t *testing.T) {
	clk := newFakeClock()
	th := NewThrottle(2, time.Minute, clk)
	th.Acquire("a")
	th.Acquire("b")
	th.Release("b")

	clk.Advance(2 * time.Minute)
	if n := th.Sweep(clk.Now()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if th.Live("a") != 1 {
		t.Fatal("live entry swept")
	}
}
