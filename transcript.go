package realtime

import (
	"strings"
	"sync"
	"unicode"
)

// MergeTranscript combines the current aggregate with an incoming fragment
// and returns the new aggregate plus the text that was actually added.
// rewrite opts into treating non-extension fragments as provider revisions
// that replace the aggregate wholesale.
//
// Rules are evaluated in order, first match wins:
//  1. empty fragment: no change
//  2. empty aggregate: fragment verbatim
//  3. identical: no change
//  4. fragment extends aggregate: append the suffix
//  5. aggregate already contains the fragment: no change
//  6. rewrite only: case-insensitive containment or partial shared
//     prefix/suffix means a revision, replace wholesale
//  7. longest aggregate-suffix/fragment-prefix overlap: append remainder
//  8. disjoint: concatenate with a single space
func MergeTranscript(current, fragment string, rewrite bool) (next, delta string) {
	if fragment == "" {
		return current, ""
	}
	if current == "" {
		return fragment, fragment
	}
	if fragment == current {
		return current, ""
	}
	if strings.HasPrefix(fragment, current) {
		added := fragment[len(current):]
		return fragment, added
	}
	if strings.HasSuffix(current, fragment) || strings.Contains(current, fragment) {
		return current, ""
	}

	if rewrite && isRevisionOf(current, fragment) {
		return fragment, fragment
	}

	if overlap := suffixPrefixOverlap(current, fragment); overlap > 0 {
		added := fragment[overlap:]
		return current + added, added
	}

	sep := " "
	if endsWithSpace(current) || startsWithSpace(fragment) {
		sep = ""
	}
	return current + sep + fragment, sep + fragment
}

// isRevisionOf reports whether fragment looks like a provider correction of
// current rather than a continuation: case-insensitive containment either
// way, or a partial (neither zero nor full length) case-insensitive shared
// prefix or suffix.
func isRevisionOf(current, fragment string) bool {
	cl := strings.ToLower(current)
	fl := strings.ToLower(fragment)
	if strings.Contains(cl, fl) || strings.Contains(fl, cl) {
		return true
	}
	shorter := min(len(cl), len(fl))
	p := sharedPrefixLen(cl, fl)
	if p > 0 && p < shorter {
		return true
	}
	s := sharedSuffixLen(cl, fl)
	return s > 0 && s < shorter
}

func sharedPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func sharedSuffixLen(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// suffixPrefixOverlap finds the longest suffix of current that is a prefix
// of fragment, checking from the full min length down to 1.
func suffixPrefixOverlap(current, fragment string) int {
	for n := min(len(current), len(fragment)); n > 0; n-- {
		if current[len(current)-n:] == fragment[:n] {
			return n
		}
	}
	return 0
}

func endsWithSpace(s string) bool {
	r := []rune(s)
	return len(r) > 0 && unicode.IsSpace(r[len(r)-1])
}

func startsWithSpace(s string) bool {
	for _, r := range s {
		return unicode.IsSpace(r)
	}
	return false
}

// Reconciler owns the transcript aggregate for one session.
type Reconciler struct {
	mu         sync.Mutex
	aggregated string
	rewrite    bool
}

// NewReconciler creates an empty reconciler. rewrite enables revision
// handling for providers that resend corrected transcripts instead of
// deltas.
func NewReconciler(rewrite bool) *Reconciler {
	return &Reconciler{rewrite: rewrite}
}

// Append merges fragment into the aggregate and returns the new aggregate.
func (r *Reconciler) Append(fragment string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregated, _ = MergeTranscript(r.aggregated, fragment, r.rewrite)
	return r.aggregated
}

// Text returns the current aggregate.
func (r *Reconciler) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregated
}

// Reset clears the aggregate for a new session.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregated = ""
}
