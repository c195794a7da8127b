package supervisor

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxLineBytes bounds a single buffered runtime output line.
const maxLineBytes = 4 * 1024

// lineLogger forwards runtime output to the structured log one line at a time.
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// Partial line: keep it unless it has grown too large.
			if len(line) >= maxLineBytes {
				l.emit(line)
			} else {
				l.buf.Write(line)
			}
			break
		}
		l.emit(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (l *lineLogger) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	l.logger.Info("runtime output", "stream", l.stream, "line", string(line))
}
