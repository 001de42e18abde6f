package monitor

import (
	"strconv"
	"sync/atomic"
)

type State int32

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
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type WorkerState int32

const (
	WorkerEstablishing WorkerState = iota
	WorkerPinging
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerEstablishing:
		return "establishing"
	case WorkerPinging:
		return "pinging"
	case WorkerTerminated:
		return "terminated"
	default:
		return "worker-state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Pair identifies a worker.
type Pair struct {
	Token string
	Proxy string
}

// Worker is the handle of one running (token, proxy) pair. Only the worker
// function writes its state.
type Worker struct {
	Token string
	Proxy string

	state atomic.Int32
}

func (w *Worker) SetState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Completion is emitted exactly once when a worker returns.
type Completion struct {
	Token string
	Proxy string
	Err   error
}

type outcome int

const (
	outcomeKept outcome = iota
	outcomeDropped
	outcomeRequeued
)

// Snapshot is a consistent copy of the supervisor's collections.
type Snapshot struct {
	State   State
	Active  map[string][]string
	Backlog []string
	Workers map[Pair]WorkerState
}
