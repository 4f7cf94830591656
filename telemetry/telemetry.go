// Package telemetry provides structured logging for the sensor firmware with
// a zero-heap design. Log records go to the console writer and, at Info and
// above, into a small circular queue. The queue is drained out the modem's
// send-debug-data channel when the modem is otherwise idle; records are
// dropped, never blocked on.
package telemetry

import (
	"sync"
)

// Log severity levels.
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// LogEntry represents a single queued log record.
type LogEntry struct {
	Tick     uint32 // seconds since boot when logged
	Severity uint8
	BodyLen  uint8
	Body     [128]byte
}

// Circular queue of pending debug records.
var (
	mu      sync.Mutex
	queue   [8]LogEntry
	head    int
	count   int
	paused  bool
	nowTick func() uint32 = func() uint32 { return 0 }

	// Stats
	QueuedLogs  int
	DroppedLogs int
	SentLogs    int
)

// Init installs the seconds-since-boot source used to stamp records.
func Init(tick func() uint32) {
	mu.Lock()
	if tick != nil {
		nowTick = tick
	}
	mu.Unlock()
}

// Log queues a record with the given severity and message.
func Log(severity uint8, msg string) {
	mu.Lock()
	defer mu.Unlock()

	if paused {
		return
	}

	var slot *LogEntry
	if count < len(queue) {
		slot = &queue[(head+count)%len(queue)]
		count++
	} else {
		// Queue full: overwrite the oldest.
		slot = &queue[head]
		head = (head + 1) % len(queue)
		DroppedLogs++
	}

	slot.Tick = nowTick()
	slot.Severity = severity
	n := copy(slot.Body[:], msg)
	slot.BodyLen = uint8(n)
	QueuedLogs++
}

// Pause stops queueing during critical operations (firmware upgrade).
func Pause() {
	mu.Lock()
	paused = true
	mu.Unlock()
}

// Resume re-enables queueing.
func Resume() {
	mu.Lock()
	paused = false
	mu.Unlock()
}

// Pending returns the number of queued records.
func Pending() int {
	mu.Lock()
	defer mu.Unlock()
	return count
}

// Drain serializes up to max queued records into dst and removes them from
// the queue. Record wire form: tick(4, MSB first), severity(1), len(1),
// body(len). Returns the number of bytes written.
func Drain(dst []byte, max int) int {
	mu.Lock()
	defer mu.Unlock()

	written := 0
	for count > 0 && max > 0 {
		e := &queue[head]
		need := 6 + int(e.BodyLen)
		if written+need > len(dst) {
			break
		}
		dst[written] = byte(e.Tick >> 24)
		dst[written+1] = byte(e.Tick >> 16)
		dst[written+2] = byte(e.Tick >> 8)
		dst[written+3] = byte(e.Tick)
		dst[written+4] = e.Severity
		dst[written+5] = e.BodyLen
		copy(dst[written+6:], e.Body[:e.BodyLen])
		written += need

		head = (head + 1) % len(queue)
		count--
		max--
		SentLogs++
	}
	return written
}

// Reset clears the queue and stats. Test support.
func Reset() {
	mu.Lock()
	head, count, paused = 0, 0, false
	QueuedLogs, DroppedLogs, SentLogs = 0, 0, 0
	mu.Unlock()
}
