package delivery

import "time"

// Backoff constants. The schedule is deterministic and part of the contract
// with operators: no jitter, so the attempt timeline of any delivery can be
// reconstructed from its attempt count alone.
const (
	backoffBase = 5 * time.Second
	backoffCap  = 3600 * time.Second
)

// Delay returns the wait before attempt n (1-indexed). The first attempt is
// immediate; afterwards the delay doubles from 5s and caps at one hour:
// 0, 5, 10, 20, 40, 80, 160, 320, ... 3600.
func Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	shift := attempt - 2
	if shift > 30 {
		return backoffCap
	}
	d := backoffBase << shift
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// NextRetryAt computes when attempt n should run, counted from now.
func NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(Delay(attempt)).UTC()
}
