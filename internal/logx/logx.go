// Package logx wraps go.uber.org/zap behind the narrow structured-logging
// interface the core consumes (§6 Logger): info/warn/error plus per-session
// log files.
package logx

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Logger is the structured logger the core depends on.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// Zap adapts a *zap.SugaredLogger to Logger.
type Zap struct {
	s *zap.SugaredLogger
}

// New builds a production Zap-backed Logger.
func New() (*Zap, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &Zap{s: l.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Zap {
	return &Zap{s: zap.NewNop().Sugar()}
}

func (z *Zap) Info(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z *Zap) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z *Zap) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }

// Sync flushes any buffered log entries.
func (z *Zap) Sync() error { return z.s.Sync() }

// SessionLogger is the {write, close} pair createSessionLogger returns.
type SessionLogger struct {
	f *os.File
}

// NewSessionLogger opens (creating if needed) an append-only log file for a
// stage's session, named after the stage id inside logDir.
func NewSessionLogger(stageID, logDir string) (*SessionLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, stageID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log %s: %w", path, err)
	}
	return &SessionLogger{f: f}, nil
}

// Write forwards chunk verbatim to the log file.
func (s *SessionLogger) Write(chunk []byte) (int, error) {
	return s.f.Write(chunk)
}

// Close closes the underlying file.
func (s *SessionLogger) Close() error {
	return s.f.Close()
}
