// Package naming ties chunk files back to the file they were cut from.
//
// A chunk of base name "a.txt" is stored as "a.txt.<share>_<total>.<suffix>",
// e.g. "a.txt.0_3.fec". The share and total fields are decimal and assigned
// by the codec; callers only rely on them for counting and ordering.
package naming

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DefaultSuffix is the extension used for chunk files.
const DefaultSuffix = "fec"

// Chunk is a parsed chunk file name.
type Chunk struct {
	Name  string
	Base  string
	Share int
	Total int
}

// Format returns the chunk file name for share of total. The share number is
// zero-padded to the width of total so lexical order follows share order.
func Format(base string, share, total int, suffix string) string {
	width := len(strconv.Itoa(total))
	num := strconv.Itoa(share)
	if pad := width - len(num); pad > 0 {
		num = strings.Repeat("0", pad) + num
	}
	return base + "." + num + "_" + strconv.Itoa(total) + "." + cleanSuffix(suffix)
}

// Matcher recognises the chunks of a single base name.
type Matcher struct {
	base string
	re   *regexp.Regexp
}

// NewMatcher builds a matcher for chunks of base. It must only be applied to
// the entries of one directory; identically named files elsewhere in a tree
// produce identical chunk names.
func NewMatcher(base, suffix string) *Matcher {
	expr := "^" + regexp.QuoteMeta(base) + `\.([0-9]+)_([0-9]+)\.` + regexp.QuoteMeta(cleanSuffix(suffix)) + "$"
	return &Matcher{base: base, re: regexp.MustCompile(expr)}
}

// Match reports whether name is a chunk of the matcher's base name.
func (m *Matcher) Match(name string) (Chunk, bool) {
	sub := m.re.FindStringSubmatch(name)
	if sub == nil {
		return Chunk{}, false
	}
	return build(name, m.base, sub[1], sub[2])
}

// Filter returns the chunks among names, ordered by share number.
func (m *Matcher) Filter(names []string) []Chunk {
	var out []Chunk
	for _, name := range names {
		if c, ok := m.Match(name); ok {
			out = append(out, c)
		}
	}
	Sort(out)
	return out
}

var (
	parserMu sync.Mutex
	parsers  = map[string]*regexp.Regexp{}
)

// Parse recovers the base name of a chunk file by stripping the trailing
// ".<share>_<total>.<suffix>". It reports false for names that are not chunks.
func Parse(name, suffix string) (Chunk, bool) {
	re := parser(cleanSuffix(suffix))
	sub := re.FindStringSubmatch(name)
	if sub == nil {
		return Chunk{}, false
	}
	return build(name, sub[1], sub[2], sub[3])
}

// Sort orders chunks by share number, then by name.
func Sort(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Share != chunks[j].Share {
			return chunks[i].Share < chunks[j].Share
		}
		return chunks[i].Name < chunks[j].Name
	})
}

func build(name, base, share, total string) (Chunk, bool) {
	s, err := strconv.Atoi(share)
	if err != nil {
		return Chunk{}, false
	}
	t, err := strconv.Atoi(total)
	if err != nil {
		return Chunk{}, false
	}
	return Chunk{Name: name, Base: base, Share: s, Total: t}, true
}

func parser(suffix string) *regexp.Regexp {
	parserMu.Lock()
	defer parserMu.Unlock()
	if re, ok := parsers[suffix]; ok {
		return re
	}
	re := regexp.MustCompile(`^(.+)\.([0-9]+)_([0-9]+)\.` + regexp.QuoteMeta(suffix) + "$")
	parsers[suffix] = re
	return re
}

func cleanSuffix(suffix string) string {
	suffix = strings.TrimPrefix(suffix, ".")
	if suffix == "" {
		return DefaultSuffix
	}
	return suffix
}
