// Package timeutil provides an injectable clock.
package timeutil

import "time"

// Provider returns the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now().UTC() }

// Default returns a Provider backed by the system clock (UTC).
func Default() Provider { return realProvider{} }

// Mock is a Provider that returns CurrentTime. Tests advance it by
// assigning or calling Advance.
type Mock struct {
	CurrentTime time.Time
}

func (m *Mock) Now() time.Time { return m.CurrentTime }

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.CurrentTime = m.CurrentTime.Add(d) }
