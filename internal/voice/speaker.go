package voice

import "context"

// Speaker produces audible speech for one text segment. Speak blocks until
// playback finishes or ctx is cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	// Available reports whether the host can produce speech output at
	// all (synth credentials present, player binary found).
	Available() bool
}
