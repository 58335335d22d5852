package channel

import "chatrelay/internal/domain"

// Fanout forwards surface calls to every member.
type Fanout []domain.InputSurface

func (f Fanout) SetSubmissionEnabled(enabled bool) {
	for _, s := range f {
		s.SetSubmissionEnabled(enabled)
	}
}

func (f Fanout) FocusInputSurface() {
	for _, s := range f {
		s.FocusInputSurface()
	}
}
