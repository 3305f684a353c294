package types

import "errors"

var (
	// ErrInvalidMessage rejects a publish at the bus boundary.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrDeliveryFault marks a handler that failed, panicked or ran past
	// its budget. It never propagates past the bus.
	ErrDeliveryFault = errors.New("delivery fault")
	// ErrInvalidWindow aborts a single evaluation.
	ErrInvalidWindow = errors.New("invalid market window")
	// ErrEvaluationTimeout is a simulation that exceeded its deadline.
	ErrEvaluationTimeout = errors.New("evaluation timed out")
	// ErrEvolutionStalled halts a run: no genome evaluated for several
	// consecutive generations.
	ErrEvolutionStalled = errors.New("evolution stalled")
	ErrBusClosed        = errors.New("bus closed")
)
