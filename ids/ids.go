// Package ids defines the small identifier types shared across the
// worker, memory, syscalls and bridge packages. Kept separate so that
// none of those packages need to import each other just to name a task.
package ids

import "fmt"

// RunnerID names one runner goroutine (a Wasm-level CPU or task host).
type RunnerID uint64

func (r RunnerID) String() string { return fmt.Sprintf("runner-%d", uint64(r)) }

// TaskID names one kernel task (process or thread), as assigned by the
// guest kernel — the host never invents these, it only plumbs them
// through.
type TaskID int64

func (t TaskID) String() string { return fmt.Sprintf("task-%d", int64(t)) }

// ConnectionID names one multiplexed relay connection.
type ConnectionID int32
