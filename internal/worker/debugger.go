package worker

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// DebuggerAttached reports whether a tracer (dlv, gdb, strace) is attached to
// this process. Linux only; elsewhere it returns false.
func DebuggerAttached() bool {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false
	}
	defer f.Close()
	return tracerPid(bufio.NewScanner(f)) != 0
}

func tracerPid(scanner *bufio.Scanner) int {
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || name != "TracerPid" {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0
		}
		return pid
	}
	return 0
}
