// Package config loads the optional HCL kernel configuration file. Every
// attribute is optional; flags layered on top by the CLI win over the file.
// Attributes may reference environment variables as env.NAME.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// File is the decoded shape of a kernel config file.
type File struct {
	ListenAddr          string `hcl:"listen_addr,optional"`
	ExecutorURL         string `hcl:"executor_url,optional"`
	RedisURL            string `hcl:"redis_url,optional"`
	StorageRoot         string `hcl:"storage_root,optional"`
	PatternsFile        string `hcl:"patterns_file,optional"`
	BroadcastIntervalMs int64  `hcl:"broadcast_interval_ms,optional"`
	InvokeTimeoutMs     int64  `hcl:"invoke_timeout_ms,optional"`
	LogFormat           string `hcl:"log_format,optional"`
	LogLevel            string `hcl:"log_level,optional"`
}

// Load parses and decodes one HCL config file.
func Load(path string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing config file %q: %w", path, diags)
	}

	var out File
	if diags := gohcl.DecodeBody(f.Body, evalContext(), &out); diags.HasErrors() {
		return nil, fmt.Errorf("decoding config file %q: %w", path, diags)
	}
	return &out, nil
}

// evalContext exposes the process environment to the config file under the
// env object, e.g. redis_url = env.REDIS_URL.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}
