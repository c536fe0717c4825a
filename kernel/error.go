package kernel

// Error describes a kernel error. Memory-management errors are declared as
// package-level pointers to Error so that callers can compare them by
// identity and so that reporting a failure never has to allocate while the
// frame allocator is the very thing that ran dry.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error formatted as "[module] message".
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
