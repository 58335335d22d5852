package domain

// InputSurface is the user-facing submission control. The pipeline disables
// it while a message is in flight and re-enables it when the invocation ends.
// Implementations must be safe to call from the event loop goroutine while
// their own goroutines read the state.
type InputSurface interface {
	SetSubmissionEnabled(enabled bool)
	FocusInputSurface()
}

// History is the append-only conversation record.
type History interface {
	AppendMessage(text string, sender Sender) Message
}
