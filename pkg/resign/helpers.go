package resign

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ToolID names an external helper tool used by the zip-based formats.
type ToolID string

const (
	ToolZip   ToolID = "zip"
	ToolUnzip ToolID = "unzip"
)

// DefaultToolTimeout bounds a single pack or unpack invocation.
const DefaultToolTimeout = 5 * time.Minute

// HelperToolRegistry resolves helper tool locations once, at construction.
// Formats that need a tool ask the registry instead of probing PATH
// themselves, so a missing tool surfaces as one clear diagnostic instead of
// a cryptic downstream failure.
type HelperToolRegistry struct {
	paths   map[ToolID]string
	Timeout time.Duration
}

// NewHelperToolRegistry looks up all known helper tools on PATH. Tools that
// are not found are recorded as absent; construction itself never fails.
func NewHelperToolRegistry() *HelperToolRegistry {
	r := &HelperToolRegistry{
		paths:   make(map[ToolID]string),
		Timeout: DefaultToolTimeout,
	}
	for _, id := range []ToolID{ToolZip, ToolUnzip} {
		if path, err := exec.LookPath(string(id)); err == nil {
			r.paths[id] = path
		}
	}
	return r
}

// Require returns a classified error naming the first missing tool.
func (r *HelperToolRegistry) Require(ids ...ToolID) error {
	for _, id := range ids {
		if _, ok := r.paths[id]; !ok {
			return fmt.Errorf("%w: helper tool %q not found on PATH", ErrNotSignable, string(id))
		}
	}
	return nil
}

// Run invokes a helper tool with dir as its working directory and waits for
// it to finish. A nonzero exit status is an error carrying the tool's
// combined output; invocations are bounded by the registry timeout.
func (r *HelperToolRegistry) Run(id ToolID, dir string, args ...string) error {
	path, ok := r.paths[id]
	if !ok {
		return fmt.Errorf("%w: helper tool %q not found on PATH", ErrNotSignable, string(id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v failed: %w (%s)", id, args, err, bytes.TrimSpace(output.Bytes()))
	}
	return nil
}
