// Package candidates manages the candidate NAAN list, a plain text
// file of five digit values available for assignment. Allocated
// entries are commented out in place so the file doubles as an
// allocation log.
package candidates

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/CDLUC3/naanreg/core/errors"
)

// reservedNAAN is held out of circulation for examples and testing.
const reservedNAAN = "90909"

var linePattern = regexp.MustCompile(`^(?P<comment>#\s*)?(?P<naan>[0-9]{5})(?P<msg>.*)`)

// List reads and updates a candidate NAAN file.
type List struct {
	path string
	log  *slog.Logger
}

// Option configures a List.
type Option func(*List)

// WithLogger sets the list logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *List) {
		l.log = log
	}
}

// New returns a List backed by the file at path.
func New(path string, opts ...Option) *List {
	l := &List{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// parseLine splits a candidate file line into its comment marker,
// NAAN value, and trailing message. ok is false for lines that do not
// carry a NAAN at all.
func parseLine(line string) (commented bool, value string, ok bool) {
	m := linePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return false, "", false
	}
	return m[1] != "", m[2], true
}

// NextNAAN returns the next available NAAN without modifying the file.
func (l *List) NextNAAN() (string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", errors.NewIO("read", l.path, err)
	}
	for _, row := range strings.Split(string(data), "\n") {
		commented, value, ok := parseLine(row)
		if !ok || commented || value == reservedNAAN {
			continue
		}
		return value, nil
	}
	return "", errors.NewNotFound("candidate NAAN", l.path)
}

// AllocateNextNAAN assigns the next available NAAN and rewrites the
// file, commenting out the assigned entry with a timestamp and the
// given message. The previous file contents survive as a .bak sibling.
func (l *List) AllocateNextNAAN(message string) (string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", errors.NewIO("read", l.path, err)
	}

	newPath := l.path + ".new"
	bakPath := l.path + ".bak"

	dest, err := os.Create(newPath)
	if err != nil {
		return "", errors.NewIO("create", newPath, err)
	}

	assigned := ""
	stamp := time.Now().UTC().Format(time.RFC3339)
	for _, row := range strings.Split(string(data), "\n") {
		line := row
		if assigned == "" {
			commented, value, ok := parseLine(row)
			if ok && !commented && value != reservedNAAN {
				assigned = value
				line = fmt.Sprintf("# %s %s %s", assigned, stamp, message)
				l.log.Info("assigned candidate NAAN", "naan", assigned, "message", message)
			}
		}
		if _, err := io.WriteString(dest, line+"\n"); err != nil {
			dest.Close()
			os.Remove(newPath)
			return "", errors.NewIO("write", newPath, err)
		}
	}
	if err := dest.Close(); err != nil {
		os.Remove(newPath)
		return "", errors.NewIO("close", newPath, err)
	}
	if assigned == "" {
		os.Remove(newPath)
		return "", errors.NewNotFound("candidate NAAN", l.path)
	}

	if err := os.Remove(bakPath); err != nil && !os.IsNotExist(err) {
		os.Remove(newPath)
		return "", errors.NewIO("remove", bakPath, err)
	}
	if err := os.Rename(l.path, bakPath); err != nil {
		os.Remove(newPath)
		return "", errors.NewIO("rename", l.path, err)
	}
	if err := os.Rename(newPath, l.path); err != nil {
		// Roll back so the list is not left missing.
		os.Rename(bakPath, l.path)
		os.Remove(newPath)
		return "", errors.NewIO("rename", newPath, err)
	}
	return assigned, nil
}
