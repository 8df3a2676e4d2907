package testutil

import (
	"testing"
	"time"
)

func TestFakeClock_Now(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	if got := clock.Now(); !got.Equal(fixed) {
		t.Errorf("Now() = %v, want %v", got, fixed)
	}
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	clock.Advance(5 * time.Minute)
	if got, want := clock.Now(), fixed.Add(5*time.Minute); !got.Equal(want) {
		t.Errorf("after Advance(5m), Now() = %v, want %v", got, want)
	}

	clock.Set(fixed)
	if got := clock.Now(); !got.Equal(fixed) {
		t.Errorf("after Set, Now() = %v, want %v", got, fixed)
	}
}

func TestTestContext_HasDeadline(t *testing.T) {
	ctx := TestContext(t)

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("TestContext should have a deadline")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 6*time.Second {
		t.Errorf("deadline should be ~5s from now, got %v", remaining)
	}
}

func TestAddress(t *testing.T) {
	a := Address("a1", "T1", "I1", "123 Main St", "Metropolis", "CA", "90210")
	if _, err := a.Address.Validate(); err != nil {
		t.Errorf("fixture address does not validate: %v", err)
	}
}
