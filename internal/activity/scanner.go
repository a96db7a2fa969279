package activity

import (
	"strings"
	"sync"
)

// Inter-worker message delimiters. Agents emit
//
//	@@MSG:<worker-name>@@ body @@/MSG@@
//
// in their output to address another worker in the same session. The scanner
// extracts the payload and hands it to the routing callback; the surrounding
// output still flows to the buffer and clients untouched.
const (
	msgStart = "@@MSG:"
	msgEnd   = "@@/MSG@@"
)

// Message is an addressed inter-worker payload extracted from output.
type Message struct {
	Target string
	Body   string
}

// MessageFunc receives extracted messages.
type MessageFunc func(msg Message)

// Scanner detects message delimiters across chunk boundaries. It keeps the
// unconsumed tail of the stream so a marker split between two chunks is
// still found.
type Scanner struct {
	mu        sync.Mutex
	carry     string
	onMessage MessageFunc
}

// NewScanner creates a scanner with the given routing callback.
func NewScanner(onMessage MessageFunc) *Scanner {
	return &Scanner{onMessage: onMessage}
}

// Feed ingests a raw output chunk and emits any complete messages found.
func (s *Scanner) Feed(chunk []byte) {
	s.mu.Lock()
	s.carry += string(stripANSI(chunk))

	var msgs []Message
	for {
		start := strings.Index(s.carry, msgStart)
		if start < 0 {
			s.trimCarryLocked()
			break
		}
		rest := s.carry[start+len(msgStart):]
		sep := strings.Index(rest, "@@")
		if sep < 0 {
			// Incomplete header; wait for more data.
			s.carry = s.carry[start:]
			break
		}
		target := rest[:sep]
		bodyAndTail := rest[sep+2:]
		end := strings.Index(bodyAndTail, msgEnd)
		if end < 0 {
			s.carry = s.carry[start:]
			break
		}
		msgs = append(msgs, Message{
			Target: strings.TrimSpace(target),
			Body:   strings.TrimSpace(bodyAndTail[:end]),
		})
		s.carry = bodyAndTail[end+len(msgEnd):]
	}
	cb := s.onMessage
	s.mu.Unlock()

	if cb != nil {
		for _, m := range msgs {
			cb(m)
		}
	}
}

// Reset drops any buffered partial marker.
func (s *Scanner) Reset() {
	s.mu.Lock()
	s.carry = ""
	s.mu.Unlock()
}

// trimCarryLocked bounds memory when no marker is present: only a suffix
// long enough to hold a split start marker needs to survive.
func (s *Scanner) trimCarryLocked() {
	keep := len(msgStart) - 1
	if len(s.carry) > keep {
		s.carry = s.carry[len(s.carry)-keep:]
	}
}
