package capture

import "time"

// TimerKind names the deadlines owned by the engine loop.
type TimerKind int

const (
	// TimerSilence endpoints an utterance after sustained silence.
	TimerSilence TimerKind = iota

	// TimerMaxUtterance force-stops a capture that runs too long.
	TimerMaxUtterance

	// TimerErrorDisplay returns to idle after a backend error was shown.
	TimerErrorDisplay

	// TimerResponse bounds how long a turn may stay in processing.
	TimerResponse
)

// String returns the timer name used in logs.
func (k TimerKind) String() string {
	switch k {
	case TimerSilence:
		return "silence"
	case TimerMaxUtterance:
		return "max_utterance"
	case TimerErrorDisplay:
		return "error_display"
	case TimerResponse:
		return "response"
	default:
		return "unknown"
	}
}

// TimerFired is posted to the owning loop when a deadline expires.
type TimerFired struct {
	Kind TimerKind
	Gen  uint64
}

// Scheduler runs fire after d on another goroutine and returns a function
// that prevents the call if it has not happened yet.
type Scheduler func(d time.Duration, fire func()) (stop func() bool)

// RealScheduler is the [Scheduler] backed by [time.AfterFunc].
func RealScheduler(d time.Duration, fire func()) func() bool {
	return time.AfterFunc(d, fire).Stop
}

// Timer is a cancellable deadline with handle invalidation.
//
// Expiry does not act directly: the scheduler callback only posts a
// [TimerFired] carrying the generation it was armed with. Cancel and Arm bump
// the generation on the owning goroutine, so a callback that was already in
// flight when the timer was cancelled is recognised as stale by [Timer.Fire].
// A Timer must only be used from the goroutine that consumes its posts.
type Timer struct {
	kind  TimerKind
	sched Scheduler
	post  func(TimerFired)

	gen   uint64
	armed bool
	stop  func() bool
}

// NewTimer returns a disarmed timer that reports expiry through post.
func NewTimer(kind TimerKind, sched Scheduler, post func(TimerFired)) *Timer {
	if sched == nil {
		sched = RealScheduler
	}
	return &Timer{kind: kind, sched: sched, post: post}
}

// Arm starts the countdown, replacing any armed one.
func (t *Timer) Arm(d time.Duration) {
	t.Cancel()
	t.gen++
	t.armed = true
	fired := TimerFired{Kind: t.kind, Gen: t.gen}
	t.stop = t.sched(d, func() { t.post(fired) })
}

// ArmIfIdle arms the timer unless it is already armed. It reports whether a
// new countdown was started.
func (t *Timer) ArmIfIdle(d time.Duration) bool {
	if t.armed {
		return false
	}
	t.Arm(d)
	return true
}

// Cancel disarms the timer. Any expiry already posted becomes stale.
func (t *Timer) Cancel() {
	if !t.armed {
		return
	}
	t.armed = false
	t.gen++
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// Armed reports whether a countdown is pending.
func (t *Timer) Armed() bool { return t.armed }

// Fire consumes an expiry. It reports true, and disarms the timer, only when
// f belongs to this timer's current countdown.
func (t *Timer) Fire(f TimerFired) bool {
	if f.Kind != t.kind || !t.armed || f.Gen != t.gen {
		return false
	}
	t.armed = false
	t.stop = nil
	return true
}
