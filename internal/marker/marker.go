// Package marker implements the completion-marker protocol layered over
// artifact text.
//
// A marker is an HTML comment sentinel of the form
//
//	<!-- CLARIFY_COMPLETE -->
//
// Presence and position are the entire contract. The surrounding prose is
// never parsed: detection matches the sentinel anywhere in the document, and
// every protocol write normalizes the document to exactly one occurrence at
// the end.
package marker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Name is the identifier inside a sentinel.
type Name string

// Op selects a marker write.
type Op string

const (
	// OpSet ensures exactly one occurrence of the marker.
	OpSet Op = "set"
	// OpClear removes every occurrence of the marker.
	OpClear Op = "clear"
)

// ErrUnknownOp is returned for an op other than set or clear.
var ErrUnknownOp = errors.New("unknown marker op")

var (
	namePattern     = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	sentinelPattern = regexp.MustCompile(`<!--\s*([A-Z][A-Z0-9_]*)\s*-->`)
)

// Validate reports whether n is a well-formed marker name.
func (n Name) Validate() error {
	if n == "" {
		return fmt.Errorf("marker name cannot be empty")
	}
	if !namePattern.MatchString(string(n)) {
		return fmt.Errorf("invalid marker name %q (must match %s)", n, namePattern.String())
	}
	return nil
}

// Sentinel renders the canonical sentinel for n.
func (n Name) Sentinel() string {
	return "<!-- " + string(n) + " -->"
}

// ParseOp parses "set" or "clear".
func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(s)))
	if err := op.Validate(); err != nil {
		return "", err
	}
	return op, nil
}

// Validate reports whether op is set or clear.
func (op Op) Validate() error {
	switch op {
	case OpSet, OpClear:
		return nil
	}
	return fmt.Errorf("%w %q (expected set or clear)", ErrUnknownOp, string(op))
}

// Has reports whether the marker appears anywhere in text.
func Has(text string, name Name) bool {
	return Count(text, name) > 0
}

// Count returns the number of occurrences of the marker in text.
func Count(text string, name Name) int {
	n := 0
	for _, m := range sentinelPattern.FindAllStringSubmatch(text, -1) {
		if Name(m[1]) == name {
			n++
		}
	}
	return n
}

// List returns the distinct markers present in text, in order of first
// appearance.
func List(text string) []Name {
	seen := make(map[Name]bool)
	var names []Name
	for _, m := range sentinelPattern.FindAllStringSubmatch(text, -1) {
		n := Name(m[1])
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}

// Set returns text with exactly one occurrence of name appended at the end of
// the document. Every occurrence of name and of the exclusive markers is
// removed first.
func Set(text string, name Name, exclusive ...Name) string {
	drop := make(map[Name]bool, len(exclusive)+1)
	drop[name] = true
	for _, ex := range exclusive {
		drop[ex] = true
	}
	body, _ := strip(text, drop)
	body = strings.TrimRight(body, " \t\r\n")
	if body == "" {
		return name.Sentinel() + "\n"
	}
	return body + "\n\n" + name.Sentinel() + "\n"
}

// Clear removes every occurrence of name. The boolean reports whether
// anything was removed; when false, text is returned untouched.
func Clear(text string, name Name) (string, bool) {
	body, removed := strip(text, map[Name]bool{name: true})
	if !removed {
		return text, false
	}
	body = strings.TrimRight(body, " \t\r\n")
	if body == "" {
		return "", true
	}
	return body + "\n", true
}

// strip removes sentinels whose name is in drop. Lines left empty by the
// removal are dropped entirely.
func strip(text string, drop map[Name]bool) (string, bool) {
	removed := false
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	b.Grow(len(text))
	for _, line := range lines {
		if line == "" {
			continue
		}
		hit := false
		out := sentinelPattern.ReplaceAllStringFunc(line, func(s string) string {
			m := sentinelPattern.FindStringSubmatch(s)
			if drop[Name(m[1])] {
				hit = true
				return ""
			}
			return s
		})
		if !hit {
			b.WriteString(line)
			continue
		}
		removed = true
		if strings.TrimSpace(out) == "" {
			continue
		}
		b.WriteString(out)
	}
	return b.String(), removed
}
