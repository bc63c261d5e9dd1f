package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelaySchedule(t *testing.T) {
	want := []time.Duration{
		0,
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		320 * time.Second,
	}
	for i, w := range want {
		attempt := i + 1
		assert.Equal(t, w, Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayCaps(t *testing.T) {
	// 5 * 2^(12-2) = 5120s > 3600s, so attempt 12 onwards is capped.
	assert.Equal(t, 2560*time.Second, Delay(11))
	for _, attempt := range []int{12, 13, 20, 64, 1000} {
		assert.Equal(t, 3600*time.Second, Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayDegenerateAttempts(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(0))
	assert.Equal(t, time.Duration(0), Delay(-3))
}

func TestNextRetryAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	assert.Equal(t, now, NextRetryAt(now, 1))
	assert.Equal(t, now.Add(5*time.Second), NextRetryAt(now, 2))
	assert.Equal(t, now.Add(20*time.Second), NextRetryAt(now, 4))
}
