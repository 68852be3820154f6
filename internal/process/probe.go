package process

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds a runtime version probe.
const DefaultProbeTimeout = 10 * time.Second

// VersionInfo is the outcome of probing a runtime executable.
type VersionInfo struct {
	Binary  string
	Path    string
	Line    string // first non-empty output line
	Version string // first dotted version number in Line, if any
}

var versionRe = regexp.MustCompile(`\d+(?:\.\d+)+`)

// ProbeVersion runs binary with args and parses its version banner. Many
// runtimes (java -version) print it on stderr, so both streams are read.
func ProbeVersion(ctx context.Context, binary string, args []string, timeout time.Duration) (*VersionInfo, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", binary, err)
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s %s: timed out after %s", binary, strings.Join(args, " "), timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", binary, strings.Join(args, " "), err)
	}

	info := &VersionInfo{Binary: binary, Path: path}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			info.Line = line
			break
		}
	}
	info.Version = versionRe.FindString(info.Line)
	return info, nil
}

// Available checks if binary is on PATH.
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}
