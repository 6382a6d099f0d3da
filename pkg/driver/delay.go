package driver

import "time"

// Delay waits for d. The pulse loop calls it twice per step.
type Delay func(d time.Duration)

// SpinDelay busy-waits on the monotonic clock for microsecond accuracy.
// It keeps one core busy for as long as the motor is pulsing.
func SpinDelay(d time.Duration) {
	start := time.Now()
	for time.Since(start) < d {
	}
}

// SleepDelay waits using the scheduler. Only accurate at low step rates.
func SleepDelay(d time.Duration) {
	time.Sleep(d)
}
