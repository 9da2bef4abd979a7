// Package kernel contains types shared by every kernel sub-system.
package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error values: most of the memory sub-system runs before the Go
// allocator is available so errors.New and friends cannot be used.
//
// Fatal conditions are reported by calling panic with an *Error so that the
// panic handler can print the module that raised them.
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
