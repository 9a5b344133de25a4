// Package logging configures jwalterweatherman output and keeps a bounded
// in-memory copy of recent log lines.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/aquilax/truncate"
	"github.com/armon/circbuf"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultMemoryLogSize is the byte capacity of the in-memory log.
const DefaultMemoryLogSize = 256 * 1024

// Init enables jww logging at threshold. A logPath of "-" logs to stdout, an
// empty path disables logging and anything else is appended to as a file. The
// returned closer releases the log file, if any.
func Init(threshold jww.Threshold, logPath string) (io.Closer, error) {
	if threshold < jww.LevelTrace || threshold > jww.LevelFatal {
		return nil, errors.Errorf("invalid log threshold: %d", threshold)
	}

	var closer io.Closer = nopCloser{}
	switch logPath {
	case "":
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(io.Discard)
		return closer, nil
	case "-":
		jww.SetLogOutput(io.Discard)
	default:
		jww.SetStdoutOutput(io.Discard)

		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", logPath)
		}
		jww.SetLogOutput(logOutput)
		closer = logOutput
	}

	// Display microseconds if the threshold is set to TRACE or DEBUG
	if threshold == jww.LevelTrace || threshold == jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	jww.INFO.Printf("Log level set to: %s", threshold)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// MemoryLog keeps the most recent log output at or above a threshold in a
// circular buffer, overwriting the oldest bytes.
type MemoryLog struct {
	threshold jww.Threshold

	mux sync.Mutex
	b   *circbuf.Buffer
}

// NewMemoryLog creates a MemoryLog holding up to maxSize bytes.
func NewMemoryLog(threshold jww.Threshold, maxSize int) (*MemoryLog, error) {
	b, err := circbuf.NewBuffer(int64(maxSize))
	if err != nil {
		return nil, errors.Wrap(err, "create memory log buffer")
	}
	return &MemoryLog{threshold: threshold, b: b}, nil
}

// Listen is called for every logging event. Pass it to AddListener; it
// adheres to jww.LogListener.
func (m *MemoryLog) Listen(t jww.Threshold) io.Writer {
	if t < m.threshold {
		return nil
	}
	return m
}

// Write appends p to the buffer. jww loggers of different levels write
// concurrently, so writes are serialized here.
func (m *MemoryLog) Write(p []byte) (int, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.b.Write(p)
}

// Bytes returns a copy of the buffered log.
func (m *MemoryLog) Bytes() []byte {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]byte(nil), m.b.Bytes()...)
}

// Size returns the number of bytes written since creation, including
// overwritten ones.
func (m *MemoryLog) Size() int64 {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.b.TotalWritten()
}

var (
	listenersMux sync.Mutex
	listeners    []jww.LogListener
)

// AddListener registers ll with jww alongside previously added listeners.
func AddListener(ll jww.LogListener) {
	listenersMux.Lock()
	defer listenersMux.Unlock()
	listeners = append(listeners, ll)
	jww.SetLogListeners(listeners...)
}

// ResetListeners removes every listener added with AddListener.
func ResetListeners() {
	listenersMux.Lock()
	defer listenersMux.Unlock()
	listeners = nil
	jww.SetLogListeners()
}

// Preview quotes s and shortens it to at most 64 characters for log lines,
// keeping both ends.
func Preview(s string) string {
	quoted := fmt.Sprintf("%q", s)
	if len(quoted) <= 64 {
		return quoted
	}
	return truncate.Truncate(quoted, 64, "...", truncate.PositionMiddle)
}
