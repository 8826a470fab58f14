package quill

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Citation is one deduplicated external source.
type Citation struct {
	ID         int      `json:"id" yaml:"id"`
	URL        string   `json:"url" yaml:"url"`
	Title      string   `json:"title" yaml:"title"`
	Authors    []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Year       string   `json:"year,omitempty" yaml:"year,omitempty"`
	SourceName string   `json:"source_name,omitempty" yaml:"source_name,omitempty"`
	AccessDate string   `json:"access_date,omitempty" yaml:"access_date,omitempty"`
	UsageCount int      `json:"usage_count" yaml:"usage_count"`
}

// Registry numbers citations in first-seen order and tracks their usage.
// IDs start at 1, are assigned once per normalized URL and never reused until Clear.
//
// Registries are safe for concurrent use; mutations are serialized and readers
// receive copies.
type Registry struct {
	byKey  map[string]int
	byID   map[int]*Citation
	nextID int
	now    func() time.Time
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]int),
		byID:   make(map[int]*Citation),
		nextID: 1,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for default access dates.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// NormalizeURL returns the citation key for raw: lowercase scheme and host plus
// the path without a trailing slash. Query and fragment are dropped.
// Input that does not parse as an absolute URL falls back to its trimmed lowercase form.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.EscapedPath(), "/")
}

// Add stores c unless its normalized URL is already known and returns the id.
// A citation without a usable URL is not stored and yields 0.
func (r *Registry) Add(c Citation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(c)
}

func (r *Registry) addLocked(c Citation) int {
	key := NormalizeURL(c.URL)
	if key == "" {
		return 0
	}
	if id, ok := r.byKey[key]; ok {
		return id
	}

	id := r.nextID
	r.nextID++

	stored := c
	stored.ID = id
	stored.UsageCount = 0
	stored.Authors = slices.Clone(c.Authors)
	if stored.AccessDate == "" {
		stored.AccessDate = r.now().Format(time.DateOnly)
	}
	if stored.Title == "" {
		stored.Title = c.URL
	}

	r.byKey[key] = id
	r.byID[id] = &stored
	return id
}

// AddMany adds each citation in order and returns their ids pointwise.
func (r *Registry) AddMany(citations []Citation) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, len(citations))
	for i, c := range citations {
		ids[i] = r.addLocked(c)
	}
	return ids
}

// AddSources registers provider grounding sources as citations.
func (r *Registry) AddSources(sources []Source) []int {
	citations := make([]Citation, len(sources))
	for i, s := range sources {
		citations[i] = Citation{URL: s.URL, Title: s.Title}
	}
	return r.AddMany(citations)
}

// RecordUsage increments the usage count of every id that resolves.
// Unknown ids are ignored: generated text may reference stale or invented numbers.
func (r *Registry) RecordUsage(ids ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(ids)
}

func (r *Registry) recordLocked(ids []int) {
	for _, id := range ids {
		if c, ok := r.byID[id]; ok {
			c.UsageCount++
		}
	}
}

// RenderMark renders ids as a compressed in-text mark, e.g. [1-3, 5].
// Duplicates are collapsed and ids below 1 dropped. An empty list renders as "".
func RenderMark(ids ...int) string {
	sorted := slices.DeleteFunc(slices.Clone(ids), func(id int) bool { return id < 1 })
	if len(sorted) == 0 {
		return ""
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, id := range sorted[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		flush()
		start, prev = id, id
	}
	flush()
	return "[" + strings.Join(parts, ", ") + "]"
}

// RenderMark renders ids as a compressed in-text mark without touching usage.
func (*Registry) RenderMark(ids ...int) string {
	return RenderMark(ids...)
}

// CiteAndMark records usage for ids and renders their mark in one step, so the
// text and the usage ledger cannot diverge.
func (r *Registry) CiteAndMark(ids ...int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(ids)
	return RenderMark(ids...)
}

// markPattern matches bracketed numeric marks such as [3], [1, 2] and [4-6, 9].
var markPattern = regexp.MustCompile(`\[(\d+(?:\s*[-–]\s*\d+)?(?:\s*,\s*\d+(?:\s*[-–]\s*\d+)?)*)\]`)

// maxMarkRange bounds range expansion so a garbled mark like [1-99999] stays cheap.
const maxMarkRange = 500

// ScanMarks extracts every citation id referenced by bracket marks in text,
// expanding ranges. Ids are returned in order of first appearance without duplicates.
func ScanMarks(text string) []int {
	var ids []int
	seen := make(map[int]bool)
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, m := range markPattern.FindAllStringSubmatch(text, -1) {
		for _, item := range strings.Split(m[1], ",") {
			item = strings.TrimSpace(item)
			lo, hi, isRange := strings.Cut(strings.ReplaceAll(item, "–", "-"), "-")
			a, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				continue
			}
			if !isRange {
				add(a)
				continue
			}
			b, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || b < a || b-a > maxMarkRange {
				add(a)
				continue
			}
			for id := a; id <= b; id++ {
				add(id)
			}
		}
	}
	return ids
}

// RecordUsageFromText scans text for marks, records usage for the ids that
// resolve and reports both groups. Each mark occurrence counts once per id.
func (r *Registry) RecordUsageFromText(text string) (known, unknown []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ScanMarks(text) {
		if c, ok := r.byID[id]; ok {
			c.UsageCount++
			known = append(known, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	return known, unknown
}

// Get returns the citation with the given id.
func (r *Registry) Get(id int) (Citation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return Citation{}, false
	}
	return clone(c), true
}

// Cited returns citations with usage > 0 in ascending id order.
func (r *Registry) Cited() []Citation {
	return r.filter(func(c *Citation) bool { return c.UsageCount > 0 })
}

// Uncited returns citations never used, in ascending id order.
func (r *Registry) Uncited() []Citation {
	return r.filter(func(c *Citation) bool { return c.UsageCount == 0 })
}

// All returns every citation in ascending id order.
func (r *Registry) All() []Citation {
	return r.filter(func(*Citation) bool { return true })
}

func (r *Registry) filter(keep func(*Citation) bool) []Citation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Citation, 0, len(r.byID))
	for id := 1; id < r.nextID; id++ {
		if c, ok := r.byID[id]; ok && keep(c) {
			out = append(out, clone(c))
		}
	}
	return out
}

// Len returns the number of stored citations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// MaxID returns the highest assigned id, 0 when empty.
func (r *Registry) MaxID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID - 1
}

// Clear drops every record and restarts numbering at 1.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[string]int)
	r.byID = make(map[int]*Citation)
	r.nextID = 1
}

// SourceList renders every citation as "[n] Title - URL", one per line.
// It is handed to the model so it can cite by number.
func (r *Registry) SourceList() string {
	var b strings.Builder
	for _, c := range r.All() {
		fmt.Fprintf(&b, "[%d] %s - %s\n", c.ID, c.Title, c.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// References renders a numbered bibliography of cited sources.
func (r *Registry) References() string {
	var b strings.Builder
	for _, c := range r.Cited() {
		fmt.Fprintf(&b, "[%d] %s.", c.ID, c.Title)
		if len(c.Authors) > 0 {
			fmt.Fprintf(&b, " %s", strings.Join(c.Authors, ", "))
			if c.Year != "" {
				fmt.Fprintf(&b, " (%s)", c.Year)
			}
			b.WriteString(".")
		} else if c.Year != "" {
			fmt.Fprintf(&b, " %s.", c.Year)
		}
		if c.SourceName != "" {
			fmt.Fprintf(&b, " %s.", c.SourceName)
		}
		fmt.Fprintf(&b, " %s", c.URL)
		if c.AccessDate != "" {
			fmt.Fprintf(&b, " (accessed %s)", c.AccessDate)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clone(c *Citation) Citation {
	out := *c
	out.Authors = slices.Clone(c.Authors)
	return out
}
