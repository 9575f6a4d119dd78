package transport

import "time"

// Slot is a single-purpose timer owned by one goroutine. Arming always
// cancels the previous schedule, so at most one expiry is pending. C returns
// nil while unarmed, which blocks forever inside a select.
type Slot struct {
	timer *time.Timer
}

func (s *Slot) Arm(d time.Duration) {
	s.Cancel()
	if d < 0 {
		d = 0
	}
	s.timer = time.NewTimer(d)
}

func (s *Slot) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Slot) C() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

// Fired must be called after receiving from C.
func (s *Slot) Fired() {
	s.timer = nil
}

func (s *Slot) Pending() bool {
	return s.timer != nil
}
