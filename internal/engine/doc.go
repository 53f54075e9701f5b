// Package engine provides the asynchronous pipeline execution engine.
// It runs each pipeline's resolve, build, push, and cleanup steps in a
// goroutine, enforces timeouts via context deadlines, cancels in-progress
// runs when a newer push arrives on the same branch, and updates the store
// with results in real time.
package engine
