package kfmt

import "kmm/kernel"

var (
	// haltFn is mocked by tests. Hosted builds cannot execute HLT so the
	// default implementation aborts the process by panicking with the
	// error that caused the halt.
	haltFn = func(err *kernel.Error) {
		panic(err)
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the log and halts the
// system. Panic is reserved for violated memory-management invariants,
// where continuing would silently corrupt address-space state. Calls to
// Panic do not return unless the halt function has been replaced by a test.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	logger.Error("-----------------------------------")
	Logger(err.Module).Errorf("unrecoverable error: %s", err.Message)
	logger.Error("*** kernel panic: system halted ***")
	logger.Error("-----------------------------------")

	haltFn(err)
}
