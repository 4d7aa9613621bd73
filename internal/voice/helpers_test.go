package voice

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeDecoder turns every input byte into one deterministic stereo sample
// pair: L = b, R = b+2, so the mono average is b+1.
type fakeDecoder struct{}

var errBadFrame = errors.New("malformed frame")

func (d *fakeDecoder) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 1 && frame[0] == 0xFF {
		return nil, errBadFrame
	}
	out := make([]int16, 0, len(frame)*2)
	for _, b := range frame {
		out = append(out, int16(b), int16(b)+2)
	}
	return out, nil
}

func (d *fakeDecoder) SampleRate() int { return 48000 }
func (d *fakeDecoder) Channels() int   { return 2 }

func newFakeDecoder() (FrameDecoder, error) { return &fakeDecoder{}, nil }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeScheduler captures AfterFunc timers so tests can fire deadlines from
// a simulated clock.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeSchedulerTimer
}

type fakeSchedulerTimer struct {
	d       time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *fakeSchedulerTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeSchedulerTimer) fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
	return true
}

func (s *fakeScheduler) afterFunc(d time.Duration, fn func()) callTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeSchedulerTimer{d: d, fn: fn}
	s.timers = append(s.timers, timer)
	return timer
}

// fireAt fires the first pending timer with exactly duration d.
func (s *fakeScheduler) fireAt(t *testing.T, d time.Duration) {
	t.Helper()
	s.mu.Lock()
	timers := make([]*fakeSchedulerTimer, len(s.timers))
	copy(timers, s.timers)
	s.mu.Unlock()
	for _, timer := range timers {
		if timer.d == d && timer.fire() {
			return
		}
	}
	t.Fatalf("no pending timer armed for %v", d)
}
