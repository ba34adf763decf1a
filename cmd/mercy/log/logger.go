package log

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	logFile *os.File
	buffer  *bufio.Writer
)

// NewLogger builds the process logger, writing to stdout and to a dated
// logfile under saveDirectory. Debug lowers the level to slog.LevelDebug.
func NewLogger(debug bool, saveDirectory string) (*slog.Logger, error) {
	if saveDirectory == "" {
		saveDirectory = "logs"
	}
	if err := os.MkdirAll(saveDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("error creating log directory: %w", err)
	}

	path := filepath.Join(saveDirectory, fmt.Sprintf("mercy-%s.log", time.Now().Format("2006-01-02-15-04-05")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file %s: %w", path, err)
	}

	mu.Lock()
	logFile = f
	buffer = bufio.NewWriter(f)
	mu.Unlock()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, &syncedWriter{}), &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), nil
}

type syncedWriter struct{}

func (syncedWriter) Write(p []byte) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if buffer == nil {
		return len(p), nil
	}
	return buffer.Write(p)
}

func FlushLog() {
	mu.Lock()
	defer mu.Unlock()
	if buffer != nil {
		buffer.Flush()
	}
}

func FlushAndClose() {
	mu.Lock()
	defer mu.Unlock()
	if buffer != nil {
		buffer.Flush()
		buffer = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
