// Package log holds wrappers around logs.Log: a per-component prefix, and a level filter.
package log

import "github.com/cyclopcam/logs"

// PrefixLogger writes to the underlying log, with every message prefixed by the component name.
// eg "Trainer: Epoch 3/50 ..."
type PrefixLogger struct {
	Log    logs.Log
	Prefix string
}

func NewPrefixLogger(log logs.Log, component string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: component + " ",
	}
}

// Closing a PrefixLogger does nothing. The owner of the underlying log closes it.
func (l *PrefixLogger) Close() {}

func (l *PrefixLogger) Debugf(format string, a ...any)    { l.Log.Debugf(l.Prefix+format, a...) }
func (l *PrefixLogger) Infof(format string, a ...any)     { l.Log.Infof(l.Prefix+format, a...) }
func (l *PrefixLogger) Warnf(format string, a ...any)     { l.Log.Warnf(l.Prefix+format, a...) }
func (l *PrefixLogger) Errorf(format string, a ...any)    { l.Log.Errorf(l.Prefix+format, a...) }
func (l *PrefixLogger) Criticalf(format string, a ...any) { l.Log.Criticalf(l.Prefix+format, a...) }
