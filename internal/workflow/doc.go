// Package workflow defines the wire-level types a caller submits to start a
// run: the workflow definition, its agent node configurations, and the
// delegation request an executing agent may return to splice the graph at
// runtime. Validation happens once at intake; past that point the kernel
// trusts the definition.
package workflow
