// Package ringlog implements a fixed-size, memory-mapped ring of log lines
// shared by every component of the client. The file can be read while other
// processes are writing to it.
package ringlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
	"unsafe"
)

const (
	magic = 0xbadbabe

	headerSize    = 8   // magic uint32 + next index uint32
	lineSize      = 512 // timestamp int64 + text
	stampSize     = 8
	maxTextLength = lineSize - stampSize

	// DefaultCapacity is the number of line slots used when none is given.
	DefaultCapacity = 2048

	// CursorAll asks FollowFromCursor to replay the whole ring. A follower
	// whose cursor lands on this value after 2^32-1 writes gets one
	// duplicate replay, nothing worse.
	CursorAll = ^uint32(0)
)

// ErrCorrupt is returned by OpenReadOnly when the header does not carry the
// expected magic number.
var ErrCorrupt = errors.New("ringlog: bad magic")

// FollowLine is one fully written entry.
type FollowLine struct {
	Line  string
	Stamp time.Time
}

// Ringlogger is a ring of fixed-length line slots on a mapped file.
type Ringlogger struct {
	region   *region
	data     []byte
	next     *atomic.Uint32
	capacity uint32
	readOnly bool

	closeOnce sync.Once
	closeErr  error
}

// Size returns the exact file size needed for capacity lines.
func Size(capacity int) int {
	return headerSize + capacity*lineSize
}

// RoundCapacity rounds capacity up to a power of two so slot numbers stay
// contiguous when the 32-bit write index wraps.
func RoundCapacity(capacity int) int {
	if capacity <= 0 {
		return DefaultCapacity
	}
	return 1 << bits.Len32(uint32(capacity-1))
}

// Open creates or attaches to the ring at path. A file with the wrong size or
// magic is reset to an empty ring rather than reported as an error. The
// capacity is rounded with RoundCapacity.
func Open(path string, capacity int) (*Ringlogger, error) {
	capacity = RoundCapacity(capacity)
	size := Size(capacity)

	reg, resized, err := mapFile(path, size, false)
	if err != nil {
		return nil, fmt.Errorf("ringlog: map %s: %w", path, err)
	}

	rl := newRinglogger(reg, capacity, false)
	if resized || binary.LittleEndian.Uint32(rl.data[0:4]) != magic {
		rl.reset()
	}
	return rl, nil
}

// OpenReadOnly attaches to an existing ring without modifying it.
func OpenReadOnly(path string) (*Ringlogger, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ringlog: stat %s: %w", path, err)
	}
	size := int(fi.Size())
	slots := (size - headerSize) / lineSize
	if size < headerSize+lineSize || (size-headerSize)%lineSize != 0 || slots&(slots-1) != 0 {
		return nil, fmt.Errorf("ringlog: %s has invalid size %d: %w", path, size, ErrCorrupt)
	}

	reg, _, err := mapFile(path, size, true)
	if err != nil {
		return nil, fmt.Errorf("ringlog: map %s: %w", path, err)
	}
	rl := newRinglogger(reg, slots, true)
	if binary.LittleEndian.Uint32(rl.data[0:4]) != magic {
		rl.Close()
		return nil, ErrCorrupt
	}
	return rl, nil
}

func newRinglogger(reg *region, capacity int, readOnly bool) *Ringlogger {
	data := reg.bytes()
	return &Ringlogger{
		region:   reg,
		data:     data,
		next:     (*atomic.Uint32)(unsafe.Pointer(&data[4])),
		capacity: uint32(capacity),
		readOnly: readOnly,
	}
}

// reset zero-fills the whole region and rewrites the magic.
func (rl *Ringlogger) reset() {
	clear(rl.data)
	binary.LittleEndian.PutUint32(rl.data[0:4], magic)
}

// Capacity returns the number of line slots.
func (rl *Ringlogger) Capacity() int {
	return int(rl.capacity)
}

func (rl *Ringlogger) stamp(slot uint32) *atomic.Int64 {
	off := headerSize + int(slot)*lineSize
	return (*atomic.Int64)(unsafe.Pointer(&rl.data[off]))
}

func (rl *Ringlogger) text(slot uint32) []byte {
	off := headerSize + int(slot)*lineSize + stampSize
	return rl.data[off : off+maxTextLength]
}

// Write appends "[tag] text" to the ring. Text longer than a slot is
// truncated at a rune boundary. Safe for concurrent use.
func (rl *Ringlogger) Write(tag, text string) {
	if rl.readOnly {
		return
	}
	var line string
	if tag != "" {
		line = "[" + tag + "] " + text
	} else {
		line = text
	}
	line = truncate(strings.TrimRight(line, "\r\n"), maxTextLength)

	slot := (rl.next.Add(1) - 1) % rl.capacity
	ts := rl.stamp(slot)
	ts.Store(0)
	buf := rl.text(slot)
	n := copy(buf, line)
	clear(buf[n:])
	now := time.Now().UnixNano()
	if now == 0 {
		now = 1
	}
	ts.Store(now)
}

// Writer returns an io.Writer that writes each call as one tagged line.
func (rl *Ringlogger) Writer(tag string) io.Writer {
	return &tagWriter{rl: rl, tag: tag}
}

type tagWriter struct {
	rl  *Ringlogger
	tag string
}

func (w *tagWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.rl.Write(w.tag, line)
	}
	return len(p), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// readSlot returns the slot contents if fully written.
func (rl *Ringlogger) readSlot(slot uint32) (FollowLine, bool) {
	ts := rl.stamp(slot)
	before := ts.Load()
	if before == 0 {
		return FollowLine{}, false
	}
	raw := rl.text(slot)
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		end = len(raw)
	}
	text := string(raw[:end])
	if ts.Load() != before {
		return FollowLine{}, false
	}
	return FollowLine{Line: text, Stamp: time.Unix(0, before)}, true
}

// FollowFromCursor returns every fully written line between cursor and the
// write head, together with the cursor to pass on the next call. CursorAll
// replays the ring from the oldest surviving entry. A reader that fell more
// than a full ring behind skips the overwritten lines.
func (rl *Ringlogger) FollowFromCursor(cursor uint32) ([]FollowLine, uint32) {
	head := rl.next.Load()
	all := cursor == CursorAll

	start := cursor
	if all || head-cursor > rl.capacity {
		start = head - min(head, rl.capacity)
	}

	lines := make([]FollowLine, 0, head-start)
	i := start
	for ; i != head; i++ {
		line, ok := rl.readSlot(i % rl.capacity)
		if !ok {
			if all {
				continue
			}
			break
		}
		if line.Line != "" {
			lines = append(lines, line)
		}
	}
	return lines, i
}

// ExportAll writes every surviving line, oldest first, as
// "<timestamp>: <line>".
func (rl *Ringlogger) ExportAll(w io.Writer) error {
	lines, _ := rl.FollowFromCursor(CursorAll)
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%s: %s\n", FormatStamp(l.Stamp), l.Line); err != nil {
			return err
		}
	}
	return nil
}

// FormatStamp renders t the way exported lines are stamped.
func FormatStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000000")
}

// Close unmaps the region. Further use is invalid.
func (rl *Ringlogger) Close() error {
	rl.closeOnce.Do(func() {
		rl.closeErr = rl.region.close()
	})
	return rl.closeErr
}
