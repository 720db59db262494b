package executor

import (
	"fmt"
	"sync"

	"github.com/armon/circbuf"
)

// capture
//
//	io.Writer that keeps at most limit bytes of a stream: the beginning of
//	the stream plus a ring buffer holding its most recent tail. Writes never
//	fail or block once the limit is reached so the program can keep running
//	without stalling on a full pipe.
type capture struct {
	mu        sync.Mutex
	headLimit int
	head      []byte
	tail      *circbuf.Buffer
	total     int64
}

func newCapture(limit int) *capture {
	tailLimit := limit / 4
	if tailLimit < 1 {
		tailLimit = 1
	}

	// the size is always positive so the constructor cannot fail
	tail, _ := circbuf.NewBuffer(int64(tailLimit))

	return &capture{
		headLimit: limit - tailLimit,
		head:      make([]byte, 0, 4096),
		tail:      tail,
	}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	c.total += int64(n)

	if room := c.headLimit - len(c.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		c.head = append(c.head, p[:room]...)
		p = p[room:]
	}

	if len(p) > 0 {
		_, _ = c.tail.Write(p)
	}

	return n, nil
}

// Truncated reports whether any bytes of the stream were dropped
func (c *capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total > int64(c.headLimit)+c.tail.Size()
}

// String returns the retained output with a marker where bytes were dropped
func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tail := c.tail.Bytes()
	dropped := c.total - int64(len(c.head)) - int64(len(tail))
	if dropped <= 0 {
		return string(c.head) + string(tail)
	}

	return fmt.Sprintf("%s\n... [%d bytes truncated] ...\n%s", c.head, dropped, tail)
}
