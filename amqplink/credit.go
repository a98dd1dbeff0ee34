package amqplink

import "time"

// linkCredit tracks flow-control credit for one receive link. A reserve of
// the prefetch window is held back for single-unit ping credit issued while
// the link is idle; ping credit is reclaimed from the next replenish.
type linkCredit struct {
	total        uint32
	pingCap      uint32
	outstanding  uint32
	pingIssued   uint32
	lastActivity time.Time
}

func newLinkCredit(prefetch uint32, reserveRatio float64) *linkCredit {
	pingCap := uint32(float64(prefetch) * reserveRatio)
	if pingCap == 0 && prefetch > 1 {
		pingCap = 1
	}
	return &linkCredit{total: prefetch, pingCap: pingCap}
}

// reset starts accounting for a freshly opened link and returns the credit to
// issue, net of messages still buffered locally.
func (credit *linkCredit) reset(buffered int, now time.Time) uint32 {
	initial := credit.total - credit.pingCap
	if buffered >= int(initial) {
		initial = 0
	} else {
		initial -= uint32(buffered)
	}
	credit.outstanding = initial
	credit.pingIssued = 0
	credit.lastActivity = now
	return initial
}

// delivered consumes credit for n arrived messages.
func (credit *linkCredit) delivered(n int, now time.Time) {
	if n <= 0 {
		return
	}
	if uint32(n) >= credit.outstanding {
		credit.outstanding = 0
	} else {
		credit.outstanding -= uint32(n)
	}
	credit.lastActivity = now
}

// replenish returns the credit to grant after n messages left the buffer.
func (credit *linkCredit) replenish(n int) uint32 {
	if n <= 0 {
		return 0
	}
	grant := uint32(n)
	reclaimed := min(grant, credit.pingIssued)
	credit.pingIssued -= reclaimed
	grant -= reclaimed
	if headroom := credit.total - credit.outstanding; grant > headroom {
		grant = headroom
	}
	credit.outstanding += grant
	return grant
}

// ping reports whether one unit of ping credit should be issued: the link has
// been idle longer than idle, the reserve is not exhausted and the window has
// room.
func (credit *linkCredit) ping(now time.Time, idle time.Duration) bool {
	if credit.pingIssued >= credit.pingCap || credit.outstanding >= credit.total {
		return false
	}
	if now.Sub(credit.lastActivity) <= idle {
		return false
	}
	credit.pingIssued++
	credit.outstanding++
	return true
}
