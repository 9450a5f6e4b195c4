package dialect

// Logger provides structured logging for dialect operations.
// Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NoOpLogger is a logger that does nothing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, fields ...interface{}) {}
func (l *NoOpLogger) Info(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, fields ...interface{})  {}
func (l *NoOpLogger) Error(msg string, fields ...interface{}) {}

// statementFields builds the fields logged for every executed native statement.
func statementFields(backend string, stmt *Statement, extra ...interface{}) []interface{} {
	fields := []interface{}{"backend", backend, "operation", stmt.Op.Kind.String(), "statement", stmt.Native}
	if stmt.Op.Table != "" {
		fields = append(fields, "table", stmt.Op.Table)
	}
	return append(fields, extra...)
}
