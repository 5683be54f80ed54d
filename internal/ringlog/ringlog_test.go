package ringlog

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func openTemp(t *testing.T, capacity int) (*Ringlogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.bin")
	rl, err := Open(path, capacity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { rl.Close() })
	return rl, path
}

func TestOpenSizesFileExactly(t *testing.T) {
	_, path := openTemp(t, 16)
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fi.Size(), int64(headerSize+16*lineSize); got != want {
		t.Errorf("file size = %d, want %d", got, want)
	}
}

func TestWrapKeepsNewestLines(t *testing.T) {
	for _, capacity := range []int{1, 2, 8, 64} {
		t.Run(fmt.Sprintf("cap=%d", capacity), func(t *testing.T) {
			rl, _ := openTemp(t, capacity)
			for i := 0; i <= capacity; i++ {
				rl.Write("T", fmt.Sprintf("line %d", i))
			}

			lines, _ := rl.FollowFromCursor(CursorAll)
			if len(lines) != capacity {
				t.Fatalf("got %d lines, want %d", len(lines), capacity)
			}
			for i, l := range lines {
				want := fmt.Sprintf("[T] line %d", i+1)
				if l.Line != want {
					t.Errorf("line %d = %q, want %q", i, l.Line, want)
				}
			}

			nonEmpty := 0
			for slot := uint32(0); slot < rl.capacity; slot++ {
				if rl.stamp(slot).Load() != 0 {
					nonEmpty++
				}
			}
			if nonEmpty != capacity {
				t.Errorf("non-empty slots = %d, want %d", nonEmpty, capacity)
			}
		})
	}
}

func TestBadMagicResetsToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	junk := make([]byte, Size(8))
	if _, err := rand.Read(junk); err != nil {
		t.Fatal(err)
	}
	junk[0], junk[1], junk[2], junk[3] = 1, 2, 3, 4
	if err := os.WriteFile(path, junk, 0644); err != nil {
		t.Fatal(err)
	}

	rl, err := Open(path, 8)
	if err != nil {
		t.Fatalf("Open on corrupt file: %v", err)
	}
	defer rl.Close()

	if lines, _ := rl.FollowFromCursor(CursorAll); len(lines) != 0 {
		t.Errorf("got %d lines after reset, want 0", len(lines))
	}
	rl.Write("T", "fresh")
	if lines, _ := rl.FollowFromCursor(CursorAll); len(lines) != 1 {
		t.Errorf("got %d lines after write, want 1", len(lines))
	}
}

func TestWrongSizeResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	rl, err := Open(path, 4)
	if err != nil {
		t.Fatal(err)
	}
	rl.Write("T", "old")
	rl.Close()

	rl, err = Open(path, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer rl.Close()
	if lines, _ := rl.FollowFromCursor(CursorAll); len(lines) != 0 {
		t.Errorf("got %d lines after capacity change, want 0", len(lines))
	}
}

func TestReopenKeepsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	rl, err := Open(path, 8)
	if err != nil {
		t.Fatal(err)
	}
	rl.Write("A", "one")
	rl.Write("B", "two")
	rl.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()
	lines, _ := ro.FollowFromCursor(CursorAll)
	if len(lines) != 2 || lines[0].Line != "[A] one" || lines[1].Line != "[B] two" {
		t.Errorf("unexpected lines %+v", lines)
	}
}

func TestOpenReadOnlyRejectsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	if err := os.WriteFile(path, make([]byte, Size(2)), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenReadOnly(path); err == nil {
		t.Fatal("expected error for zeroed file")
	}
}

func TestFollowFromCursorAdvances(t *testing.T) {
	rl, _ := openTemp(t, 16)
	rl.Write("T", "a")
	rl.Write("T", "b")

	lines, cursor := rl.FollowFromCursor(CursorAll)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	if again, c := rl.FollowFromCursor(cursor); len(again) != 0 || c != cursor {
		t.Fatalf("idle follow returned %d lines, cursor %d->%d", len(again), cursor, c)
	}

	rl.Write("T", "c")
	rl.Write("T", "d")
	rl.Write("T", "e")
	lines, _ = rl.FollowFromCursor(cursor)
	var got []string
	for _, l := range lines {
		got = append(got, l.Line)
	}
	if strings.Join(got, ",") != "[T] c,[T] d,[T] e" {
		t.Errorf("follow got %v", got)
	}
}

func TestFollowSkipsOverwrittenLines(t *testing.T) {
	rl, _ := openTemp(t, 4)
	rl.Write("T", "0")
	_, cursor := rl.FollowFromCursor(CursorAll)
	for i := 1; i <= 10; i++ {
		rl.Write("T", fmt.Sprint(i))
	}
	lines, _ := rl.FollowFromCursor(cursor)
	if len(lines) != 4 || lines[0].Line != "[T] 7" || lines[3].Line != "[T] 10" {
		t.Errorf("unexpected lines %+v", lines)
	}
}

func TestFollowStopsAtSlotBeingWritten(t *testing.T) {
	rl, _ := openTemp(t, 8)
	rl.Write("T", "a")
	_, cursor := rl.FollowFromCursor(CursorAll)
	rl.Write("T", "b")
	rl.Write("T", "c")
	// Simulate a writer that reserved slot 1 but has not stamped it yet.
	rl.stamp(1).Store(0)

	lines, next := rl.FollowFromCursor(cursor)
	if len(lines) != 0 || next != cursor {
		t.Errorf("got %d lines and cursor %d, want 0 and %d", len(lines), next, cursor)
	}
}

func TestLongLinesAreTruncated(t *testing.T) {
	rl, _ := openTemp(t, 4)
	rl.Write("T", strings.Repeat("é", 600))

	lines, _ := rl.FollowFromCursor(CursorAll)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if n := len(lines[0].Line); n > maxTextLength {
		t.Errorf("line length %d exceeds %d", n, maxTextLength)
	}
	if !utf8.ValidString(lines[0].Line) {
		t.Error("truncated line is not valid UTF-8")
	}
}

func TestConcurrentWriters(t *testing.T) {
	const writers, perWriter = 8, 100
	rl, _ := openTemp(t, writers*perWriter)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rl.Write(fmt.Sprintf("W%d", w), fmt.Sprint(i))
			}
		}(w)
	}
	wg.Wait()

	lines, _ := rl.FollowFromCursor(CursorAll)
	if len(lines) != writers*perWriter {
		t.Fatalf("got %d lines, want %d", len(lines), writers*perWriter)
	}
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if seen[l.Line] {
			t.Fatalf("duplicate line %q", l.Line)
		}
		seen[l.Line] = true
	}
}

func TestExportAllFormat(t *testing.T) {
	rl, _ := openTemp(t, 4)
	rl.Write("Broker", "started")
	rl.Write("Engine", "connected")

	var buf bytes.Buffer
	if err := rl.ExportAll(&buf); err != nil {
		t.Fatal(err)
	}
	out := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(out) != 2 {
		t.Fatalf("got %d exported lines, want 2:\n%s", len(out), buf.String())
	}
	if !strings.HasSuffix(out[0], ": [Broker] started") || !strings.HasSuffix(out[1], ": [Engine] connected") {
		t.Errorf("unexpected export:\n%s", buf.String())
	}
	// "2006-01-02 15:04:05.000000" is 26 characters.
	if len(out[0]) < 26 || out[0][4] != '-' || out[0][10] != ' ' {
		t.Errorf("timestamp prefix malformed: %q", out[0])
	}
}

func TestWriterSplitsLines(t *testing.T) {
	rl, _ := openTemp(t, 8)
	fmt.Fprint(rl.Writer("WG"), "first\nsecond\n")
	lines, _ := rl.FollowFromCursor(CursorAll)
	if len(lines) != 2 || lines[1].Line != "[WG] second" {
		t.Errorf("unexpected lines %+v", lines)
	}
}

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	for in, want := range map[int]int{0: DefaultCapacity, 1: 1, 3: 4, 7: 8, 8: 8, 1000: 1024} {
		if got := RoundCapacity(in); got != want {
			t.Errorf("RoundCapacity(%d) = %d, want %d", in, got, want)
		}
	}
	rl, _ := openTemp(t, 7)
	if rl.Capacity() != 8 {
		t.Errorf("Capacity = %d, want 8", rl.Capacity())
	}
}

func TestFollowAcrossIndexWrap(t *testing.T) {
	rl, _ := openTemp(t, 8)
	start := ^uint32(0) - 2
	rl.next.Store(start)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		rl.Write("T", s)
	}

	lines, next := rl.FollowFromCursor(start)
	var got []string
	for _, l := range lines {
		got = append(got, l.Line)
	}
	if strings.Join(got, ",") != "[T] a,[T] b,[T] c,[T] d,[T] e" || next != 2 {
		t.Errorf("follow got %v, cursor %d", got, next)
	}
}

func TestOpenReadOnlyRejectsOddCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	data := make([]byte, Size(3))
	binary.LittleEndian.PutUint32(data, magic)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenReadOnly(path); err == nil {
		t.Fatal("expected error for a ring that is not a power of two")
	}
}
