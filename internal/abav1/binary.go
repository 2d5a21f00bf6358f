package abav1

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ResolveBinary resolves the configured tool name or path to an
// absolute executable path.
func ResolveBinary(path string) (string, error) {
	if path == "" {
		path = "ab-av1"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("locating ab-av1 binary %q: %w", path, err)
	}
	return resolved, nil
}

// Version runs the tool's --version flag and returns the first output
// line. Used at startup to log which build is in play.
func Version(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("querying ab-av1 version: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}
