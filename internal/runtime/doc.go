// Package runtime is the execution core: the Kernel owns the run table and
// drives each run with a single-writer loop. One goroutine owns a run's graph
// and state; dispatch results and control commands arrive through its mailbox,
// and every mutation is followed by publishing an immutable snapshot behind an
// atomic pointer so readers never take a lock. Delegation splices are applied
// before the frontier is recomputed, completions are idempotent by invocation
// id, and results that arrive after a terminal status are discarded.
package runtime
