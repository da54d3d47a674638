// Package app assembles the kernel process: configuration, logger, stores,
// the runtime kernel, and the HTTP server, plus the run-until-signal
// lifecycle.
package app
