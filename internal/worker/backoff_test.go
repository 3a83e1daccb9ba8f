package worker

import (
	"testing"
	"time"
)

func TestNextSleep_DoublesToCap(t *testing.T) {
	min := 1 * time.Second
	max := 60 * time.Second

	cur := min
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, expected := range want {
		cur = nextSleep(cur, min, max)
		if cur != expected {
			t.Fatalf("step %d: expected %s, got %s", i, expected, cur)
		}
	}
}

func TestNextSleep_BelowMinSnapsToMin(t *testing.T) {
	if got := nextSleep(0, time.Second, time.Minute); got != time.Second {
		t.Errorf("expected min, got %s", got)
	}
}

func TestRetryDelay_Bounds(t *testing.T) {
	for attempt := 1; attempt <= 3; attempt++ {
		base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		for i := 0; i < 50; i++ {
			d := retryDelay(attempt)
			if d < base || d >= base+100*time.Millisecond {
				t.Fatalf("attempt %d: delay %s outside [%s, %s)", attempt, d, base, base+100*time.Millisecond)
			}
		}
	}
}
