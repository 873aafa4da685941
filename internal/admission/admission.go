// Package admission gates process spawning against shared resource
// headroom so the broker's subprocesses cannot starve the host of
// worker capacity.
package admission

import (
	"runtime"
)

// Source reports the shared pool's capacity gauges: general worker
// availability and I/O-completion availability.
type Source interface {
	// Available returns the current number of free worker slots and
	// free completion slots.
	Available() (workers, completions int)
	// Max returns the pool's maximum worker and completion capacity.
	Max() (workers, completions int)
}

// Config holds the admission thresholds as fractions of maximum capacity.
type Config struct {
	WorkerThreshold float64
	IOThreshold     float64
}

// Defaults returns the stock thresholds: 75% of max worker capacity and
// 60% of max completion capacity must remain free.
func Defaults() Config {
	return Config{
		WorkerThreshold: 0.75,
		IOThreshold:     0.60,
	}
}

// Controller is a pure gauge: CanAdmit reports whether the host still
// has headroom for one more helper process. It never errors.
type Controller struct {
	src         Source
	workerFloor int
	ioFloor     int
}

// NewController computes the admission floors once from the source's
// maximum capacity and the configured fractions.
func NewController(src Source, cfg Config) *Controller {
	if cfg.WorkerThreshold <= 0 || cfg.WorkerThreshold > 1 {
		cfg.WorkerThreshold = Defaults().WorkerThreshold
	}
	if cfg.IOThreshold <= 0 || cfg.IOThreshold > 1 {
		cfg.IOThreshold = Defaults().IOThreshold
	}

	maxWorkers, maxIO := src.Max()
	return &Controller{
		src:         src,
		workerFloor: int(float64(maxWorkers) * cfg.WorkerThreshold),
		ioFloor:     int(float64(maxIO) * cfg.IOThreshold),
	}
}

// CanAdmit returns true only while both availability gauges are strictly
// above their floors. At or below a floor the dispatcher backs off and
// rechecks instead of spawning.
func (c *Controller) CanAdmit() bool {
	availWorkers, availIO := c.src.Available()
	return availWorkers > c.workerFloor && availIO > c.ioFloor
}

// Floors returns the computed admission floors, mainly for logging.
func (c *Controller) Floors() (workers, io int) {
	return c.workerFloor, c.ioFloor
}

// RuntimeSource approximates host headroom from the Go scheduler: each
// live goroutine consumes one notional slot out of a fixed budget. It is
// the default source when the host does not inject its own gauges.
type RuntimeSource struct {
	MaxWorkers     int
	MaxCompletions int
}

// NewRuntimeSource builds a RuntimeSource with sane budgets derived from
// GOMAXPROCS when the arguments are non-positive.
func NewRuntimeSource(maxWorkers, maxCompletions int) *RuntimeSource {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0) * 128
	}
	if maxCompletions <= 0 {
		maxCompletions = runtime.GOMAXPROCS(0) * 128
	}
	return &RuntimeSource{MaxWorkers: maxWorkers, MaxCompletions: maxCompletions}
}

// Available implements Source.
func (s *RuntimeSource) Available() (int, int) {
	busy := runtime.NumGoroutine()
	return clampFloor(s.MaxWorkers-busy, 0), clampFloor(s.MaxCompletions-busy, 0)
}

// Max implements Source.
func (s *RuntimeSource) Max() (int, int) {
	return s.MaxWorkers, s.MaxCompletions
}

func clampFloor(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
