package coordinator

import "time"

// SetClock replaces the wallclock source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }
