package backoff_test

import (
	"testing"
	"time"

	"github.com/nellh/bids-core/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(2 * time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		if got := c.Delay(attempt); got != 2*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 2*time.Second)
		}
	}
}

func TestLinear_GrowsByStep(t *testing.T) {
	l := backoff.NewLinear(100*time.Millisecond, time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{5, 500 * time.Millisecond},
		{10, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(100*time.Millisecond, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(30); got != 10*time.Second {
		t.Errorf("Delay(30) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestExponentialWithJitter_StaysInRange(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 8*time.Second)

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			got := e.Delay(attempt)
			if got < 0 || got > 8*time.Second {
				t.Fatalf("Delay(%d) = %v, want within [0, 8s]", attempt, got)
			}
		}
	}
}

func TestDefaultStrategy_SettlesAtIdleInterval(t *testing.T) {
	s := backoff.DefaultStrategy()

	if got := s.Delay(1); got != time.Second {
		t.Errorf("Delay(1) = %v, want %v", got, time.Second)
	}
	if got := s.Delay(10); got != 15*time.Second {
		t.Errorf("Delay(10) = %v, want %v", got, 15*time.Second)
	}
}
