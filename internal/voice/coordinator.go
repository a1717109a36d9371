// Package voice serializes text-to-speech playback: at most one utterance
// plays at any time, and a new utterance displaces the current one.
package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Coordinator is the Idle/Speaking state machine in front of a Speaker.
// Only the coordinator transitions the speaking flag; callers may only
// request Speak or Cancel.
type Coordinator struct {
	speaker         Speaker
	logger          *slog.Logger
	maxSegmentRunes int

	mu       sync.Mutex
	speaking bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewCoordinator(speaker Speaker, maxSegmentRunes int, logger *slog.Logger) *Coordinator {
	if maxSegmentRunes <= 0 {
		maxSegmentRunes = 240
	}
	return &Coordinator{
		speaker:         speaker,
		maxSegmentRunes: maxSegmentRunes,
		logger:          logger.With("component", "voice"),
	}
}

// Speaking reports whether an utterance is currently active.
func (c *Coordinator) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Speak requests playback of text. It returns false when the host has no
// speech capability or the text is empty; otherwise it starts playback and
// returns true. An utterance already playing is cancelled first, and the
// new one starts only after the old one has fully stopped.
func (c *Coordinator) Speak(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if c.speaker == nil || !c.speaker.Available() {
		return false
	}

	c.mu.Lock()
	for c.cancel != nil {
		cancel, done := c.cancel, c.done
		cancel()
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.speaking = true
	c.mu.Unlock()

	go c.playback(ctx, cancel, done, text)
	return true
}

func (c *Coordinator) playback(ctx context.Context, cancel context.CancelFunc, done chan struct{}, text string) {
	defer func() {
		cancel()
		c.mu.Lock()
		if c.done == done {
			c.speaking = false
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	for _, segment := range SegmentSentences(text, c.maxSegmentRunes) {
		if ctx.Err() != nil {
			return
		}
		if err := c.speaker.Speak(ctx, segment); err != nil {
			if ctx.Err() == nil {
				// Playback errors end the utterance rather than hang it.
				c.logger.Warn("playback failed", "err", err)
			}
			return
		}
	}
}

// Cancel stops the active utterance. Calling it while idle is a no-op.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
