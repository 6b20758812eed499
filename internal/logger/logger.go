package logger

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct{ zerolog.Logger }

func New(level string) *Logger {
	return NewWriter(os.Stdout, level)
}

// NewWriter builds a logger on an arbitrary sink, used by tests that assert on output.
func NewWriter(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	return &Logger{z}
}

func Nop() *Logger { return &Logger{zerolog.Nop()} }

// With returns a child logger tagged with the component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{l.Logger.With().Str("component", component).Logger()}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event handlers working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (l *Logger) HTTPLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		l.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", sw.status).Dur("dur", time.Since(start)).Msg("http")
	})
}
