// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Per-worker descriptor cost in the supervisor: control socket, stderr
// pipe and the ends held briefly while forking.
const (
	fdsPerWorker  = 4
	fdsOverhead   = 64
	procsOverhead = 50
)

// limitsPath is read for the process limit, which syscall does not export.
var limitsPath = "/proc/self/limits"

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describe what the supervisor is about to do.
type Options struct {
	Workers int
	AppRoot string
	Listen  string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	for _, check := range []Check{
		checkFileDescriptors(opts.Workers),
		checkProcessLimit(opts.Workers),
		checkAppRoot(opts.AppRoot),
		checkExecutable(),
		checkListenPort(opts.Listen),
	} {
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.Passed = false
		}
	}
	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(workers int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	required := workers*fdsPerWorker + fdsOverhead
	actual := int(limit.Cur)
	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(workers int) Check {
	required := workers + procsOverhead

	data, err := os.ReadFile(limitsPath)
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses reads the soft "Max processes" limit.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// checkAppRoot verifies the served directory exists.
func checkAppRoot(root string) Check {
	info, err := os.Stat(root)
	switch {
	case err != nil:
		return Check{Name: "app_root", Passed: false, Message: fmt.Sprintf("%s: %v", root, err)}
	case !info.IsDir():
		return Check{Name: "app_root", Passed: false, Message: fmt.Sprintf("%s is not a directory", root)}
	}
	return Check{Name: "app_root", Passed: true, Message: root}
}

// checkExecutable verifies the binary can be re-executed as a worker.
func checkExecutable() Check {
	path, err := os.Executable()
	if err != nil {
		return Check{Name: "executable", Passed: false, Message: err.Error()}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: "executable", Passed: false, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	if info.Mode().Perm()&0o111 == 0 {
		return Check{Name: "executable", Passed: false, Message: fmt.Sprintf("%s is not executable", path)}
	}
	return Check{Name: "executable", Passed: true, Message: path}
}

// checkListenPort warns about privileged ports when not running as root.
func checkListenPort(addr string) Check {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Check{Name: "listen_port", Passed: false, Message: fmt.Sprintf("invalid address %q", addr)}
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return Check{Name: "listen_port", Passed: false, Message: err.Error()}
	}
	if port > 0 && port < 1024 && os.Geteuid() != 0 {
		return Check{
			Name:    "listen_port",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("port %d is privileged and the process is not root", port),
		}
	}
	return Check{Name: "listen_port", Passed: true, Message: addr}
}

// PrintResults prints the preflight check results.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "app_root":
		return "create the directory or pass -app-root"
	case "executable":
		return "run prefork from an executable file on disk"
	case "listen_port":
		return "use host:port, e.g. -listen :8080"
	default:
		return "see documentation"
	}
}
