// Package runstate owns the per-run execution bookkeeping: which nodes are
// active, completed, or failed, the append-only invocation history, aggregate
// token usage, continuity tokens, and the run status state machine. A
// RunState is owned by its run's single-writer loop and is never shared
// mutably; external views are built from sorted copies.
package runstate
