package supervisor

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxLineBytes bounds a buffered partial line.
const maxLineBytes = 64 << 10

// lineLogger is an io.Writer that logs each complete line of child output.
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLineBytes {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Info("backend output",
		slog.String("stream", l.stream),
		slog.String("line", string(line)),
	)
}
