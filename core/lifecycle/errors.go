package lifecycle

import "errors"

var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrCleanupIncomplete = errors.New("cleanup incomplete")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrToolExists        = errors.New("tool already registered")
	ErrInjected          = errors.New("injected failure")
)
