package script

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/maauso/genforge/internal/duration"
	"github.com/maauso/genforge/internal/provider"
)

// Static errors for decomposition.
var (
	// ErrEmptyScript is returned when the text has no narrative.
	ErrEmptyScript = errors.New("script: no narrative text")
	// ErrInvalidTotal is returned for a non-positive total duration.
	ErrInvalidTotal = errors.New("script: total duration must be positive")
	// ErrNoProvider is returned when no scene provider is registered.
	ErrNoProvider = errors.New("script: no scene provider available")
	// ErrToleranceUnreachable is returned when no legal plan lands within tolerance.
	ErrToleranceUnreachable = errors.New("script: total duration outside tolerance")
	// ErrIllegalDuration is returned when a scene duration has no legal mapping.
	ErrIllegalDuration = errors.New("script: illegal scene duration")
)

// maxConsecutivePresenters is how many presenter scenes may follow each other.
const maxConsecutivePresenters = 2

// DefaultTolerance is the allowed relative gap between planned and requested totals.
const DefaultTolerance = 0.10

// Plan is one scene the decomposer proposes.
type Plan struct {
	Index     int           `json:"index"`
	Provider  string        `json:"provider"`
	Role      provider.Role `json:"role"`
	Seconds   int           `json:"seconds"`
	Narrative string        `json:"narrative"`
	Visual    string        `json:"visual,omitempty"`
	Style     string        `json:"style,omitempty"`
}

// RoleSource finds scene providers by role. *provider.Registry implements it.
type RoleSource interface {
	ForRole(role provider.Role) (provider.Capability, bool)
}

// Decomposer turns script text into scene plans.
type Decomposer struct {
	roles     RoleSource
	tolerance float64
}

// DecomposerOption configures a Decomposer.
type DecomposerOption func(*Decomposer)

// Tolerance is the relative gap allowed between planned and requested totals.
func (d *Decomposer) Tolerance() float64 { return d.tolerance }

// WithTolerance sets the relative tolerance, e.g. 0.05 for ±5%.
func WithTolerance(t float64) DecomposerOption {
	return func(d *Decomposer) {
		if t > 0 {
			d.tolerance = t
		}
	}
}

// NewDecomposer creates a decomposer that picks providers from roles.
func NewDecomposer(roles RoleSource, opts ...DecomposerOption) *Decomposer {
	d := &Decomposer{roles: roles, tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// beat is a narrative unit between natural boundaries.
type beat struct {
	text      string
	heading   string
	presenter bool
	words     int
}

// draft is a scene before its duration is normalized.
type draft struct {
	cap       provider.Capability
	share     float64
	narrative string
	visual    string
}

var (
	headingRe   = regexp.MustCompile(`^(?i)(INT\.|EXT\.|INT/EXT\.|#+\s)`)
	presenterRe = regexp.MustCompile(`^(?i)(\[presenter\]\s*|presenter:\s*|host:\s*)`)
)

// Decompose splits text into ordered scene plans whose durations are legal for
// their providers and sum to totalSec within the tolerance.
//
// Boundaries are blank lines and scene headings. A split beat is cut between
// sentences, or between words when it has fewer sentences than scenes.
// Seconds are shared by word count. Presenter beats that would run shorter than
// the presenter minimum become B-roll, and a third consecutive presenter scene is
// re-planned as B-roll. A beat longer than its provider's maximum is split into
// consecutive scenes on that provider.
func (d *Decomposer) Decompose(text string, totalSec int) ([]Plan, error) {
	if totalSec <= 0 {
		return nil, ErrInvalidTotal
	}
	beats := splitBeats(text)
	if len(beats) == 0 {
		return nil, ErrEmptyScript
	}
	presenter, hasPresenter := d.roles.ForRole(provider.RolePresenter)
	cinematic, hasCinematic := d.roles.ForRole(provider.RoleCinematic)
	if !hasCinematic {
		return nil, fmt.Errorf("%w: a cinematic provider is required", ErrNoProvider)
	}

	totalWords := 0
	for _, b := range beats {
		totalWords += b.words
	}

	var drafts []draft
	for _, b := range beats {
		share := float64(totalSec) * float64(b.words) / float64(totalWords)
		c := cinematic
		if b.presenter && hasPresenter && share >= float64(presenter.Durations.MinSeconds()) {
			c = presenter
		}
		drafts = append(drafts, splitDraft(draft{cap: c, share: share, narrative: b.text, visual: b.heading})...)
	}

	drafts = limitPresenterRuns(drafts, cinematic)

	plans, err := d.normalize(drafts)
	if err != nil {
		return nil, err
	}
	if err := d.correct(plans, drafts, totalSec); err != nil {
		return nil, err
	}
	return plans, nil
}

// splitBeats breaks text at blank lines and scene headings.
func splitBeats(text string) []beat {
	var (
		beats   []beat
		lines   []string
		heading string
	)
	flush := func() {
		body := strings.TrimSpace(strings.Join(lines, " "))
		lines = lines[:0]
		if body == "" {
			return
		}
		b := beat{heading: heading}
		if loc := presenterRe.FindStringIndex(body); loc != nil {
			b.presenter = true
			body = strings.TrimSpace(body[loc[1]:])
		}
		b.text = body
		b.words = len(strings.Fields(body))
		if b.words > 0 {
			beats = append(beats, b)
		}
	}

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			flush()
		case headingRe.MatchString(line):
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
		default:
			lines = append(lines, line)
		}
	}
	flush()
	return beats
}

// splitDraft breaks a draft that exceeds its provider's maximum into
// consecutive drafts on the same provider with an even share each.
func splitDraft(dr draft) []draft {
	maxSec := float64(dr.cap.Durations.MaxSeconds())
	if maxSec <= 0 || dr.share <= maxSec {
		return []draft{dr}
	}
	n := int(math.Ceil(dr.share / maxSec))
	parts := splitText(dr.narrative, n)
	out := make([]draft, 0, n)
	for i := range n {
		part := draft{cap: dr.cap, share: dr.share / float64(n), visual: dr.visual}
		// A beat with fewer words than parts repeats its last run.
		part.narrative = parts[min(i, len(parts)-1)]
		if i >= len(parts) && dr.visual != "" {
			part.visual = dr.visual + " (continued)"
		}
		out = append(out, part)
	}
	return out
}

// limitPresenterRuns re-plans every third consecutive presenter draft as B-roll.
func limitPresenterRuns(drafts []draft, cinematic provider.Capability) []draft {
	out := make([]draft, 0, len(drafts))
	run := 0
	for _, dr := range drafts {
		if dr.cap.Role != provider.RolePresenter {
			run = 0
			out = append(out, dr)
			continue
		}
		run++
		if run <= maxConsecutivePresenters {
			out = append(out, dr)
			continue
		}
		run = 0
		dr.cap = cinematic
		out = append(out, splitDraft(dr)...)
	}
	return out
}

// normalize maps each share onto its provider's domain, carrying the rounding
// error forward so it does not accumulate.
func (d *Decomposer) normalize(drafts []draft) ([]Plan, error) {
	plans := make([]Plan, 0, len(drafts))
	carry := 0.0
	for i, dr := range drafts {
		target := dr.share + carry
		sec := duration.Normalize(int(math.Round(target)), dr.cap.Durations)
		if sec <= 0 || !dr.cap.Durations.Legal(sec) {
			return nil, fmt.Errorf("%w: scene %d on %s", ErrIllegalDuration, i, dr.cap.Name)
		}
		carry = target - float64(sec)
		plans = append(plans, Plan{
			Index:     i,
			Provider:  dr.cap.Name,
			Role:      dr.cap.Role,
			Seconds:   sec,
			Narrative: dr.narrative,
			Visual:    dr.visual,
		})
	}
	return plans, nil
}

// correct nudges scenes one legal step at a time until the total is within
// tolerance, always taking the step that closes the gap most.
func (d *Decomposer) correct(plans []Plan, drafts []draft, totalSec int) error {
	allowed := d.tolerance * float64(totalSec)
	gap := func() int {
		sum := 0
		for _, p := range plans {
			sum += p.Seconds
		}
		return sum - totalSec
	}

	for range 4 * len(plans) * 60 {
		g := gap()
		if math.Abs(float64(g)) <= allowed {
			return nil
		}
		best, bestSec, bestGap := -1, 0, abs(g)
		for i, p := range plans {
			down, downOK, up, upOK := drafts[i].cap.Durations.Steps(p.Seconds)
			next, ok := up, upOK
			if g > 0 {
				next, ok = down, downOK
			}
			if !ok {
				continue
			}
			if ng := abs(g + next - p.Seconds); ng < bestGap {
				best, bestSec, bestGap = i, next, ng
			}
		}
		if best < 0 {
			break
		}
		plans[best].Seconds = bestSec
	}
	if g := gap(); math.Abs(float64(g)) > allowed {
		return fmt.Errorf("%w: planned %ds for %ds requested", ErrToleranceUnreachable, g+totalSec, totalSec)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// splitText groups text into at most n runs of whole sentences with roughly
// equal word counts. Text with fewer sentences than n is cut at word
// boundaries instead, so no run comes back empty.
func splitText(text string, n int) []string {
	text = strings.TrimSpace(text)
	if n <= 1 {
		return []string{text}
	}
	sentences := sentences(text)
	if len(sentences) < n {
		return splitWords(text, n)
	}

	total := 0
	for _, s := range sentences {
		total += len(strings.Fields(s))
	}
	out := make([]string, 0, n)
	var cur []string
	words := 0
	for i, s := range sentences {
		cur = append(cur, s)
		words += len(strings.Fields(s))
		remainingSentences := len(sentences) - i - 1
		remainingGroups := n - len(out) - 1
		target := float64(total) * float64(len(out)+1) / float64(n)
		if remainingGroups > 0 && (float64(words) >= target || remainingSentences == remainingGroups) {
			out = append(out, strings.Join(cur, " "))
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// splitWords cuts text into min(n, words) runs of near-equal length.
func splitWords(text string, n int) []string {
	fields := strings.Fields(text)
	n = min(n, len(fields))
	if n <= 1 {
		return []string{text}
	}
	out := make([]string, 0, n)
	for i := range n {
		out = append(out, strings.Join(fields[i*len(fields)/n:(i+1)*len(fields)/n], " "))
	}
	return out
}

// sentences splits on terminal punctuation followed by whitespace.
func sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
