package reveal

import (
	"context"
	"time"
)

// DefaultCharDelay is the animated reveal speed.
const DefaultCharDelay = 30 * time.Millisecond

// Pacer presents revealed plaintext to a sink. It is cosmetic and independent of decryption.
type Pacer interface {
	Reveal(ctx context.Context, text string, sink func(shown string) error) error
}

// Instant shows the whole text at once.
type Instant struct{}

func (Instant) Reveal(_ context.Context, text string, sink func(string) error) error {
	return sink(text)
}

// Animated shows the text one character at a time, Delay apart.
type Animated struct {
	Delay time.Duration
}

func (a Animated) Reveal(ctx context.Context, text string, sink func(string) error) error {
	runes := []rune(text)
	if len(runes) == 0 {
		return sink("")
	}
	var t *time.Timer
	if a.Delay > 0 {
		t = time.NewTimer(a.Delay)
		defer t.Stop()
	}
	for i := range runes {
		if err := sink(string(runes[:i+1])); err != nil {
			return err
		}
		if t == nil || i == len(runes)-1 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			t.Reset(a.Delay)
		}
	}
	return nil
}

// NewPacer returns Animated with delay, or Instant when delay is zero.
func NewPacer(delay time.Duration) Pacer {
	if delay <= 0 {
		return Instant{}
	}
	return Animated{Delay: delay}
}
