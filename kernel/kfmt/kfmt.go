// Package kfmt routes kernel log output. Records are tagged with the module
// that produced them and are captured in a ring buffer until an output sink
// (console, serial port, host stderr) becomes available.
package kfmt

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"kmm/kernel"
)

var (
	// earlyPrintBuffer is a ring buffer that stores log output before an
	// output sink has been registered.
	earlyPrintBuffer ringBuffer

	logger = newLogger()

	errInvalidLogLevel = &kernel.Error{Module: "kfmt", Message: "unknown log level"}
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&earlyPrintBuffer)
	l.SetFormatter(moduleFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Logger returns a log entry whose records are prefixed with the supplied
// module name.
func Logger(module string) *logrus.Entry {
	return logger.WithField(moduleField, module)
}

// SetOutputSink sets the default target for log output to w and copies any
// data accumulated in the early print buffer to it. Passing a nil writer
// redirects output back to the early print buffer.
func SetOutputSink(w io.Writer) {
	if w == nil {
		logger.SetOutput(&earlyPrintBuffer)
		return
	}

	_, _ = io.Copy(w, &earlyPrintBuffer)
	logger.SetOutput(w)
}

// SetLevel sets the minimum severity of emitted records. It accepts the
// level names understood by logrus (e.g. "debug", "info", "warn").
func SetLevel(level string) *kernel.Error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errInvalidLogLevel
	}

	logger.SetLevel(lvl)
	return nil
}

const moduleField = "module"

// moduleFormatter renders records as "[module] message key=value ...".
type moduleFormatter struct{}

// Format implements logrus.Formatter.
func (moduleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	if module, ok := entry.Data[moduleField]; ok {
		fmt.Fprintf(&buf, "[%v] ", module)
	}
	buf.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != moduleField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Data[k])
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
