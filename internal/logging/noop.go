package logging

import "context"

// NoOpLogger discards all log output. Used in tests.
type NoOpLogger struct{}

// NewNoOp returns a logger that discards everything.
func NewNoOp() Logger { return &NoOpLogger{} }

func (n *NoOpLogger) Debug(string, ...interface{}) {}
func (n *NoOpLogger) Info(string, ...interface{})  {}
func (n *NoOpLogger) Warn(string, ...interface{})  {}
func (n *NoOpLogger) Error(string, ...interface{}) {}

func (n *NoOpLogger) DebugContext(context.Context, string, ...interface{}) {}
func (n *NoOpLogger) InfoContext(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) WarnContext(context.Context, string, ...interface{})  {}
func (n *NoOpLogger) ErrorContext(context.Context, string, ...interface{}) {}

func (n *NoOpLogger) WithComponent(string) Logger { return n }
