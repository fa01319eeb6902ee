package backoff

import (
	"testing"
	"time"
)

func TestDelayDefaults(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, 5 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := Delay(tt.attempt, nil); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayCustomConfig(t *testing.T) {
	cfg := &Config{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	if got := Delay(1, cfg); got != 10*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 10ms", got)
	}
	if got := Delay(3, cfg); got != 40*time.Millisecond {
		t.Errorf("Delay(3) = %v, want 40ms", got)
	}
	if got := Delay(5, cfg); got != 50*time.Millisecond {
		t.Errorf("Delay(5) = %v, want cap of 50ms", got)
	}
}

func TestDelayClampsAttempt(t *testing.T) {
	if got := Delay(0, nil); got != 100*time.Millisecond {
		t.Errorf("Delay(0) = %v, want 100ms", got)
	}
	if got := Delay(-3, nil); got != 100*time.Millisecond {
		t.Errorf("Delay(-3) = %v, want 100ms", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	cfg := &Config{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		got := Delay(1, cfg)
		if got < 100*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 150ms]", got)
		}
	}
}
