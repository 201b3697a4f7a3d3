package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// opLogger accumulates fields for one envelope operation.
type opLogger struct {
	fields logrus.Fields
}

// newLogger starts a field set tagged with function.
func newLogger(function string) *opLogger {
	return &opLogger{fields: logrus.Fields{
		"function": function,
		"package":  "crypto",
	}}
}

func (l *opLogger) WithField(key string, value interface{}) *opLogger {
	l.fields[key] = value
	return l
}

func (l *opLogger) WithFields(fields logrus.Fields) *opLogger {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError records err and the step that produced it.
func (l *opLogger) WithError(err error, step string) *opLogger {
	l.fields["error"] = err.Error()
	l.fields["step"] = step
	return l
}

func (l *opLogger) Entry(message string) {
	logrus.WithFields(l.fields).Debug(fmt.Sprintf("Function entry: %s", message))
}

func (l *opLogger) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }
func (l *opLogger) Warn(message string)  { logrus.WithFields(l.fields).Warn(message) }
func (l *opLogger) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// SecureFieldHash returns a short hex preview and the length of data, for
// logging ciphertext or key material without exposing it.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if n := min(len(data), 8); n > 0 {
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
