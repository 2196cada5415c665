// Package reassembly rebuilds application packets that a peripheral splits across
// several notifications.
package reassembly

import (
	"github.com/sirupsen/logrus"
)

// Framer classifies a notification fragment as the start and/or end of a packet and
// returns the payload carried by the fragment.
type Framer interface {
	Frame(fragment []byte) (header, tail bool, payload []byte)
}

// FramerFunc adapts a function to the Framer interface.
type FramerFunc func(fragment []byte) (header, tail bool, payload []byte)

// Frame calls f.
func (f FramerFunc) Frame(fragment []byte) (bool, bool, []byte) { return f(fragment) }

// Unframed treats every fragment as a complete packet.
var Unframed Framer = FramerFunc(func(fragment []byte) (bool, bool, []byte) {
	return true, true, fragment
})

// FlagByte reads header/tail markers from bit masks on the first byte of each fragment.
// The flag byte is kept in the payload unless Strip is set.
type FlagByte struct {
	Header byte
	Tail   byte
	Strip  bool
}

// Frame implements Framer. An empty fragment is a middle fragment with no payload.
func (f FlagByte) Frame(fragment []byte) (bool, bool, []byte) {
	if len(fragment) == 0 {
		return false, false, nil
	}
	flags := fragment[0]
	payload := fragment
	if f.Strip {
		payload = fragment[1:]
	}
	return flags&f.Header != 0, flags&f.Tail != 0, payload
}

// Combiner accumulates fragments of one notification stream.
//
// Policy: a header fragment starts a new buffer, discarding any open one; a middle
// fragment appends to the open buffer; a tail fragment appends and completes the
// packet; a fragment that is both header and tail is a complete packet on its own.
// Middle and tail fragments with no open buffer are dropped.
//
// A Combiner is not safe for concurrent use.
type Combiner struct {
	logger *logrus.Entry

	buf       []byte
	open      bool
	discarded int
	dropped   int
}

// NewCombiner creates a combiner. A nil logger disables logging.
func NewCombiner(logger *logrus.Entry) *Combiner {
	return &Combiner{logger: logger}
}

// Receive applies one fragment and returns a completed packet, if any.
// The returned packet is owned by the caller.
func (c *Combiner) Receive(header, tail bool, payload []byte) ([]byte, bool) {
	switch {
	case header && tail:
		if c.open {
			c.discard()
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, true

	case header:
		if c.open {
			c.discard()
		}
		c.buf = append(c.buf[:0], payload...)
		c.open = true
		return nil, false

	case !c.open:
		c.dropped++
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"bytes": len(payload),
				"tail":  tail,
			}).Debug("Dropping fragment received without a header")
		}
		return nil, false

	case tail:
		c.buf = append(c.buf, payload...)
		out := make([]byte, len(c.buf))
		copy(out, c.buf)
		c.buf = c.buf[:0]
		c.open = false
		return out, true

	default:
		c.buf = append(c.buf, payload...)
		return nil, false
	}
}

// Feed frames fragment with f and feeds the result to Receive.
func (c *Combiner) Feed(f Framer, fragment []byte) ([]byte, bool) {
	if f == nil {
		f = Unframed
	}
	header, tail, payload := f.Frame(fragment)
	return c.Receive(header, tail, payload)
}

// Reset drops any open buffer without counting it as discarded.
func (c *Combiner) Reset() {
	c.buf = c.buf[:0]
	c.open = false
}

// Pending reports whether a packet is being accumulated.
func (c *Combiner) Pending() bool { return c.open }

// Discarded is the number of open buffers abandoned because a new header arrived.
func (c *Combiner) Discarded() int { return c.discarded }

// Dropped is the number of fragments ignored because no packet was open.
func (c *Combiner) Dropped() int { return c.dropped }

func (c *Combiner) discard() {
	c.discarded++
	if c.logger != nil {
		c.logger.WithField("bytes", len(c.buf)).Warn("Discarding incomplete packet: new header received before tail")
	}
	c.buf = c.buf[:0]
	c.open = false
}
