package receiver

import "time"

// resetTimer is a single-fire timer with explicit arm, reset and cancel.
// The speaking and liveness windows never want periodic semantics, so this
// wrapper keeps callers away from time.Timer's rescheduling pitfalls.
type resetTimer struct {
	t *time.Timer
}

func startTimer(d time.Duration, fire func()) *resetTimer {
	return &resetTimer{t: time.AfterFunc(d, fire)}
}

// Reset re-arms the window from now, whether or not it already fired.
func (r *resetTimer) Reset(d time.Duration) {
	r.t.Reset(d)
}

// Stop cancels a pending fire. A fire already in flight may still run;
// callbacks re-check state under the owner's lock.
func (r *resetTimer) Stop() {
	r.t.Stop()
}
