package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

const (
	// MaxLineLength is the longest worker output line kept intact.
	MaxLineLength = 16 * 1024

	// MaxBufferedLines is the number of recent lines kept per worker.
	MaxBufferedLines = 50
)

// OutputRelay copies a worker's stderr into the supervisor's log. Lines that
// are slog JSON records are re-emitted at their own level with the worker id
// attached; anything else (panics, runtime traces) is logged as a warning.
// Recent lines are kept for crash reports.
type OutputRelay struct {
	workerID int
	logger   *slog.Logger

	mu     sync.Mutex
	buffer []string
	next   int
	filled bool
}

// NewOutputRelay creates a relay for one worker.
func NewOutputRelay(workerID int, logger *slog.Logger) *OutputRelay {
	return &OutputRelay{
		workerID: workerID,
		logger:   logger,
		buffer:   make([]string, MaxBufferedLines),
	}
}

// HandleReader relays r line by line until EOF. Run it in a goroutine.
// Lines longer than MaxLineLength are cut; the rest of the line is read
// and discarded so the writer never blocks.
func (r *OutputRelay) HandleReader(rd io.Reader) {
	br := bufio.NewReaderSize(rd, 4096)
	line := make([]byte, 0, 4096)
	truncated := false
	for {
		chunk, more, err := br.ReadLine()
		if !truncated {
			if room := MaxLineLength - len(line); len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			line = append(line, chunk...)
		}
		if err != nil {
			if len(line) > 0 {
				r.handle(string(line), truncated)
			}
			if err != io.EOF {
				r.logger.Debug("worker_output_read_error", "worker_id", r.workerID, "error", err)
				_, _ = io.Copy(io.Discard, rd)
			}
			return
		}
		if more {
			continue
		}
		r.handle(string(line), truncated)
		line = line[:0]
		truncated = false
	}
}

func (r *OutputRelay) handle(line string, truncated bool) {
	if truncated {
		r.logger.Debug("worker_output_truncated", "worker_id", r.workerID, "max_length", MaxLineLength)
	}
	r.HandleLine(line)
}

// HandleLine relays a single line.
func (r *OutputRelay) HandleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	r.mu.Lock()
	r.buffer[r.next] = line
	r.next = (r.next + 1) % MaxBufferedLines
	if r.next == 0 {
		r.filled = true
	}
	r.mu.Unlock()

	if level, msg, attrs, ok := parseRecord(line); ok {
		attrs = append([]any{"worker_id", r.workerID}, attrs...)
		r.logger.Log(context.Background(), level, msg, attrs...)
		return
	}
	r.logger.Warn("worker_stderr", "worker_id", r.workerID, "line", line)
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (r *OutputRelay) RecentLines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = MaxBufferedLines
	}
	if n > size {
		n = size
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, r.buffer[idx])
	}
	return lines
}

// parseRecord decodes a slog JSON line. Time, level and msg are consumed;
// remaining fields become attributes in key order.
func parseRecord(line string) (slog.Level, string, []any, bool) {
	if !strings.HasPrefix(line, "{") {
		return 0, "", nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return 0, "", nil, false
	}
	levelName, okLevel := fields["level"].(string)
	msg, okMsg := fields["msg"].(string)
	if !okLevel || !okMsg {
		return 0, "", nil, false
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level = slog.LevelInfo
	}

	delete(fields, "time")
	delete(fields, "level")
	delete(fields, "msg")
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		if k == "worker_id" {
			continue
		}
		attrs = append(attrs, k, fields[k])
	}
	return level, msg, attrs, true
}
