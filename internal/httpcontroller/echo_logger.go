package httpcontroller

import (
	"fmt"
	"io"
	"log/slog"

	elog "github.com/labstack/gommon/log"
)

// echoLogger routes Echo's internal log output into the server's structured
// web logger so framework messages land in logs/http.log alongside the
// request records instead of Echo's own text format on stdout.
type echoLogger struct {
	log *slog.Logger
}

func newEchoLogger(log *slog.Logger) *echoLogger {
	return &echoLogger{log: log}
}

// The output, prefix and header setters exist only to satisfy echo.Logger,
// slog owns formatting and destinations.

func (l *echoLogger) Output() io.Writer     { return io.Discard }
func (l *echoLogger) SetOutput(_ io.Writer) {}
func (l *echoLogger) Prefix() string        { return "" }
func (l *echoLogger) SetPrefix(_ string)    {}
func (l *echoLogger) Level() elog.Lvl       { return elog.INFO }
func (l *echoLogger) SetLevel(_ elog.Lvl)   {}
func (l *echoLogger) SetHeader(_ string)    {}

func (l *echoLogger) Print(i ...any) {
	l.log.Info(fmt.Sprint(i...))
}

func (l *echoLogger) Printf(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *echoLogger) Printj(j elog.JSON) {
	l.log.Info("echo log", "data", j)
}

func (l *echoLogger) Debug(i ...any) {
	l.log.Debug(fmt.Sprint(i...))
}

func (l *echoLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *echoLogger) Debugj(j elog.JSON) {
	l.log.Debug("echo log", "data", j)
}

func (l *echoLogger) Info(i ...any) {
	l.log.Info(fmt.Sprint(i...))
}

func (l *echoLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *echoLogger) Infoj(j elog.JSON) {
	l.log.Info("echo log", "data", j)
}

func (l *echoLogger) Warn(i ...any) {
	l.log.Warn(fmt.Sprint(i...))
}

func (l *echoLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *echoLogger) Warnj(j elog.JSON) {
	l.log.Warn("echo log", "data", j)
}

func (l *echoLogger) Error(i ...any) {
	l.log.Error(fmt.Sprint(i...))
}

func (l *echoLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *echoLogger) Errorj(j elog.JSON) {
	l.log.Error("echo log", "data", j)
}

// Echo only calls the fatal variants for unrecoverable startup failures.
// Panicking instead of os.Exit lets deferred cleanup run.

func (l *echoLogger) Fatal(i ...any) {
	msg := fmt.Sprint(i...)
	l.log.Error(msg)
	panic("echo fatal error: " + msg)
}

func (l *echoLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.log.Error(msg)
	panic("echo fatal error: " + msg)
}

func (l *echoLogger) Fatalj(j elog.JSON) {
	l.log.Error("echo log", "data", j)
	panic(fmt.Sprintf("echo fatal error: %v", j))
}

func (l *echoLogger) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	l.log.Error(msg)
	panic(msg)
}

func (l *echoLogger) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.log.Error(msg)
	panic(msg)
}

func (l *echoLogger) Panicj(j elog.JSON) {
	l.log.Error("echo log", "data", j)
	panic(fmt.Sprintf("%v", j))
}
