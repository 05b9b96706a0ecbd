// Package engine executes pipeline trees.
//
// Architecture:
//
// engine.go   - Engine lifecycle and the scheduling loop (Start, Wait, Run, Stop)
// dispatch.go - Exec dispatch: container acquisition with backoff, command execution, outcomes
// lazy.go     - Splicing generated subtrees under Execute placeholders
// control.go  - Live control: Modify, Reset, Skip, Unskip, SkipErrors, AddChild
// debug.go    - Debug plans for reproducing a node outside the engine
// resume.go   - Snapshots, resuming from persisted state, archival
// env.go      - Variables exposed to commands
//
// The tree and its statuses are guarded by one mutex. The loop goroutine
// dispatches runnable nodes; worker goroutines own the container side of a
// single run and report back under the same mutex. Control calls take the
// mutex too and wake the loop, so every mutation is serialised with
// scheduling.
package engine
