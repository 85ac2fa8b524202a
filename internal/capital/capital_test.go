package capital

import "testing"

func TestExecutionCapital(t *testing.T) {
	limits := Limits{MaxBalanceFraction: 0.25, MaxVolumeShare: 0.05, MinQuantity: 1}

	t.Run("balance fraction applies", func(t *testing.T) {
		got, err := ExecutionCapital(10000, 100, 0, limits)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 2500 {
			t.Fatalf("expected 2500, got %.2f", got)
		}
	})

	t.Run("thin volume caps the basis", func(t *testing.T) {
		// 5% of 100 shares at 100 = 500, below the 2500 balance share.
		got, err := ExecutionCapital(10000, 100, 100, limits)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 500 {
			t.Fatalf("expected 500, got %.2f", got)
		}
	})

	t.Run("deep volume leaves the balance share", func(t *testing.T) {
		got, err := ExecutionCapital(10000, 100, 1_000_000, limits)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 2500 {
			t.Fatalf("expected 2500, got %.2f", got)
		}
	})

	t.Run("unknown price is an error, not free", func(t *testing.T) {
		if _, err := ExecutionCapital(10000, 0, 100, limits); err == nil {
			t.Fatal("expected error for zero close price")
		}
	})

	t.Run("empty balance yields zero capital", func(t *testing.T) {
		got, err := ExecutionCapital(0, 100, 100, limits)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 0 {
			t.Fatalf("expected 0, got %.2f", got)
		}
	})
}

func TestQuantity(t *testing.T) {
	t.Run("floors to whole shares", func(t *testing.T) {
		got, err := Quantity(999, 100, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 9 {
			t.Fatalf("expected 9, got %.0f", got)
		}
	})

	t.Run("never below the minimum", func(t *testing.T) {
		got, err := Quantity(50, 100, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 1 {
			t.Fatalf("expected the 1 share floor, got %.0f", got)
		}
	})

	t.Run("unknown price is an error", func(t *testing.T) {
		if _, err := Quantity(1000, 0, 1); err == nil {
			t.Fatal("expected error for zero close price")
		}
	})
}

func TestAffordable(t *testing.T) {
	if !Affordable(10, 100, 1000) {
		t.Error("10 shares at 100 should fit a 1000 balance")
	}
	if Affordable(11, 100, 1000) {
		t.Error("11 shares at 100 should not fit a 1000 balance")
	}
}
