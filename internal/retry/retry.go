// Package retry runs startup operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls how often and how long an operation is retried.
type Policy struct {
	Attempts    int           // total attempts, 0 means until ctx ends
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration // cap for a single wait
	Multiplier  float64       // growth per attempt
	Jitter      float64       // fraction of the wait randomised, 0-1
}

// DefaultPolicy suits waiting for a database that is still starting.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:    5,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

type transient struct{ err error }

func (t transient) Error() string { return t.err.Error() }
func (t transient) Unwrap() error { return t.err }

// Transient marks err as worth another attempt. Other errors stop Do
// immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transient{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// Wait returns the backoff before attempt n+1, without jitter.
func (p Policy) Wait(n int) time.Duration {
	wait := float64(p.InitialWait) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns a non-transient error, the
// attempts run out or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; p.Attempts == 0 || attempt <= p.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var t transient
		if !errors.As(err, &t) {
			return err
		}
		last = t.err

		if p.Attempts != 0 && attempt == p.Attempts {
			break
		}

		wait := float64(p.Wait(attempt))
		if p.Jitter > 0 {
			wait += wait * p.Jitter * (rand.Float64()*2 - 1)
		}
		timer := time.NewTimer(time.Duration(wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), last)
		case <-timer.C:
		}
	}
	return last
}
