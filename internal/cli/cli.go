// Package cli parses the kernel's command line into an app.Config. Flags
// layer over the optional HCL config file: an explicitly set flag always
// wins.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vk/agentgridgo/internal/app"
	"github.com/vk/agentgridgo/internal/config"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("agentgridgo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
AgentGridGo - a workflow kernel for dynamic multi-agent DAG execution.

Usage:
  agentgridgo [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to an HCL kernel config file.")
	listenFlag := flagSet.String("listen", "", "Address the HTTP API listens on.")
	executorFlag := flagSet.String("executor-url", "", "Base URL of the agent execution service.")
	redisFlag := flagSet.String("redis-url", "", "Redis URL for state and artifact persistence. Empty runs in-memory.")
	storageFlag := flagSet.String("storage-root", "", "Directory for run workspaces and the file library.")
	patternsFlag := flagSet.String("patterns", "", "Optional YAML file with extra safety patterns.")
	broadcastFlag := flagSet.Int64("broadcast-interval-ms", 0, "State broadcast cadence in milliseconds.")
	invokeTimeoutFlag := flagSet.Int64("invoke-timeout-ms", 0, "Per-invocation deadline in milliseconds.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	cfg := app.Config{}
	if *configFlag != "" {
		file, err := config.Load(*configFlag)
		if err != nil {
			return nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
		cfg = app.Config{
			ListenAddr:        file.ListenAddr,
			ExecutorURL:       file.ExecutorURL,
			RedisURL:          file.RedisURL,
			StorageRoot:       file.StorageRoot,
			PatternsFile:      file.PatternsFile,
			BroadcastInterval: time.Duration(file.BroadcastIntervalMs) * time.Millisecond,
			InvokeTimeout:     time.Duration(file.InvokeTimeoutMs) * time.Millisecond,
			LogFormat:         file.LogFormat,
			LogLevel:          file.LogLevel,
		}
	}

	// Explicitly set flags override the file.
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = *listenFlag
		case "executor-url":
			cfg.ExecutorURL = *executorFlag
		case "redis-url":
			cfg.RedisURL = *redisFlag
		case "storage-root":
			cfg.StorageRoot = *storageFlag
		case "patterns":
			cfg.PatternsFile = *patternsFlag
		case "broadcast-interval-ms":
			cfg.BroadcastInterval = time.Duration(*broadcastFlag) * time.Millisecond
		case "invoke-timeout-ms":
			cfg.InvokeTimeout = time.Duration(*invokeTimeoutFlag) * time.Millisecond
		case "log-format":
			cfg.LogFormat = *logFormatFlag
		case "log-level":
			cfg.LogLevel = *logLevelFlag
		}
	})

	if cfg.LogFormat != "" {
		logFormat := strings.ToLower(cfg.LogFormat)
		if logFormat != "text" && logFormat != "json" {
			return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
		}
		cfg.LogFormat = logFormat
	}
	if cfg.LogLevel != "" {
		logLevel := strings.ToLower(cfg.LogLevel)
		switch logLevel {
		case "debug", "info", "warn", "error":
			// valid
		default:
			return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
		}
		cfg.LogLevel = logLevel
	}

	if cfg.ExecutorURL == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	validated, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return validated, false, nil
}
