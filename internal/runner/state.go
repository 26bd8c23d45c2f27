package runner

type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopCondition is consulted after every emitted sample. Returning true ends the run.
type StopCondition interface {
	Observe(count int) bool
}

// StopFunc adapts a function to StopCondition.
type StopFunc func(count int) bool

func (f StopFunc) Observe(count int) bool { return f(count) }

// MaxSamples stops the run once n samples were emitted.
func MaxSamples(n int) StopCondition {
	return StopFunc(func(count int) bool { return count >= n })
}
