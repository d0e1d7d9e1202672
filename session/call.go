package session

import "time"

// Call is the pending-call record: the future a caller waits on while its
// request is in flight. Each call is resolved exactly once, by whichever of
// its matching reply, its deadline, or session teardown claims it first from
// the pending table.
type Call struct {
	ID        uint64
	Qualified string
	Reply     any   // decoded result destination, may be nil
	Err       error // resolution failure, nil on success
	Done      chan *Call

	timer *time.Timer
}

// finish delivers the resolution. Done is buffered so the resolving
// goroutine never blocks on a slow caller.
func (c *Call) finish() {
	if c.timer != nil {
		c.timer.Stop()
	}
	select {
	case c.Done <- c:
	default:
	}
}

// Wait blocks until the call resolves and returns its failure, if any.
func (c *Call) Wait() error {
	<-c.Done
	return c.Err
}
