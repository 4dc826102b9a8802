package app

import "time"

// Policy is the engine configuration port.
// Implemented by internal/policy.Policy.
type Policy interface {
	TurnTimeout() time.Duration
	TurnDelay() time.Duration
	Autonomous() bool
	MaxAutoSteps() int
}

// StaticPolicy is a fixed Policy, handy for tests and embedding.
type StaticPolicy struct {
	Timeout  time.Duration
	Delay    time.Duration
	Auto     bool
	MaxSteps int
}

func (p StaticPolicy) TurnTimeout() time.Duration { return p.Timeout }
func (p StaticPolicy) TurnDelay() time.Duration   { return p.Delay }
func (p StaticPolicy) Autonomous() bool           { return p.Auto }
func (p StaticPolicy) MaxAutoSteps() int          { return p.MaxSteps }
