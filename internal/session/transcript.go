package session

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type EntryKind string

const (
	EntrySent       EntryKind = "TX"
	EntryReceived   EntryKind = "RX"
	EntryClassified EntryKind = "ST"
	EntryNote       EntryKind = "--"
)

type Entry struct {
	Time time.Time
	Kind EntryKind
	Text string
}

func (e Entry) String() string {
	lines := strings.Split(strings.TrimRight(strings.ReplaceAll(e.Text, "\r", ""), "\n"), "\n")

	var sb strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&sb, "%s %s %s\n", e.Time.Format("15:04:05.000"), e.Kind, line)
	}

	return sb.String()
}

// Transcript records every command sent and every response classified during a run.
// Entries are optionally mirrored to a writer as they are recorded.
type Transcript struct {
	mu      sync.Mutex
	entries []Entry
	mirror  io.Writer
	now     func() time.Time
}

func NewTranscript(mirror io.Writer) *Transcript {
	return &Transcript{mirror: mirror, now: time.Now}
}

func (t *Transcript) Sent(text string) {
	t.add(EntrySent, text)
}

func (t *Transcript) Received(buf []byte) {
	if len(buf) == 0 {
		return
	}

	t.add(EntryReceived, string(buf))
}

func (t *Transcript) Classified(what string) {
	t.add(EntryClassified, what)
}

func (t *Transcript) Note(format string, args ...any) {
	t.add(EntryNote, fmt.Sprintf(format, args...))
}

func (t *Transcript) add(kind EntryKind, text string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{Time: t.now(), Kind: kind, Text: text}
	t.entries = append(t.entries, e)

	if t.mirror != nil {
		// the transcript is best effort, a failing mirror must not fail the run
		_, _ = io.WriteString(t.mirror, e.String())
	}
}

// Entries returns a copy of the recorded entries.
func (t *Transcript) Entries() []Entry {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) String() string {
	var sb strings.Builder
	for _, e := range t.Entries() {
		sb.WriteString(e.String())
	}

	return sb.String()
}
