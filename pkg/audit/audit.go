// Package audit records a human-readable, append-only trail of installer
// actions. Recording is best-effort: a failure to write an entry is logged
// and never interrupts the installation.
package audit

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

const fileName = "audit.log"

// Outcome tags an entry as recording a success or a failure.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is a single parsed line of the audit trail.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Outcome   Outcome   `json:"outcome"`
	Message   string    `json:"message"`
}

// Trail appends entries to the audit file under the state directory.
type Trail struct {
	log  *telemetry.Logger
	path string

	// actor is resolved once at construction.
	actor string

	// now allows tests to freeze time.
	now func() time.Time

	// mirror, when set, receives a copy of each entry. Mirror failures
	// are ignored like file failures.
	mirror func(Entry)
}

// New creates a trail writing into dir. The actor defaults to the current
// OS user, falling back to "unknown".
func New(dir string, log *telemetry.Logger) *Trail {
	actor := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		actor = u.Username
	}
	return &Trail{
		log:   log.NewComponentLogger("audit"),
		path:  filepath.Join(dir, fileName),
		actor: actor,
		now:   time.Now,
	}
}

// WithMirror registers a secondary sink that receives a copy of every entry.
func (t *Trail) WithMirror(fn func(Entry)) *Trail {
	t.mirror = fn
	return t
}

// Path returns the location of the audit file.
func (t *Trail) Path() string { return t.path }

// Record appends one entry. It never returns an error; unwritable trails
// degrade to a warning.
func (t *Trail) Record(outcome Outcome, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	entry := Entry{Timestamp: t.now().UTC(), Actor: t.actor, Outcome: outcome, Message: msg}

	if t.mirror != nil {
		t.mirror(entry)
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		t.log.WithError(err).Warn("Audit trail unavailable, entry dropped")
		return
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.log.WithError(err).Warn("Audit trail unavailable, entry dropped")
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s [%s] %s %s\n", entry.Timestamp.Format(time.RFC3339), entry.Actor, entry.Outcome, entry.Message)
	if _, err := f.WriteString(line); err != nil {
		t.log.WithError(err).Warn("Failed to append audit entry")
	}
}

// Read parses the audit file back into entries, oldest first. Lines that do
// not parse are skipped.
func (t *Trail) Read() ([]Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit trail: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if e, ok := parseLine(scanner.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit trail: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, bool) {
	ts, rest, ok := strings.Cut(line, " [")
	if !ok {
		return Entry{}, false
	}
	actor, rest, ok := strings.Cut(rest, "] ")
	if !ok {
		return Entry{}, false
	}
	outcome, msg, ok := strings.Cut(rest, " ")
	if !ok || (Outcome(outcome) != OutcomeSuccess && Outcome(outcome) != OutcomeFailure) {
		return Entry{}, false
	}
	when, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Timestamp: when, Actor: actor, Outcome: Outcome(outcome), Message: msg}, true
}
