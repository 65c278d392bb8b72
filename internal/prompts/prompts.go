// Package prompts holds the question pool an invocation draws from.
package prompts

import (
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var builtin = []string{
	"What are the most significant technology news stories today?",
	"What is the current weather forecast for New York City?",
	"Summarize the latest developments in renewable energy this week.",
	"What were the final scores of yesterday's major league baseball games?",
	"What is the latest news about space exploration missions?",
	"Which films are leading the box office this weekend?",
	"What are today's top headlines in global markets?",
	"What recent breakthroughs have been reported in medical research?",
	"What major cultural events are happening in London this month?",
	"What is the latest guidance on air quality in Los Angeles?",
}

// Builtin returns a copy of the default question pool.
func Builtin() []string {
	return append([]string(nil), builtin...)
}

// LoadDir reads one prompt per file under root whose relative path matches
// the doublestar pattern (e.g. "**/*.txt"). Blank files are skipped. Files
// are returned in lexical path order.
func LoadDir(root, pattern string) ([]string, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("prompts dir is required")
	}
	if strings.TrimSpace(pattern) == "" {
		pattern = "**/*.txt"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid prompts glob %q", pattern)
	}
	fsys := os.DirFS(root)
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob prompts: %w", err)
	}
	sort.Strings(matches)

	var out []string
	for _, m := range matches {
		b, err := fs.ReadFile(fsys, m)
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", m, err)
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// Library picks prompts uniformly at random.
type Library struct {
	prompts []string
	intn    func(n int) int
}

type Option func(*Library)

// WithIntn replaces the random source; intn(n) must return a value in [0, n).
func WithIntn(intn func(n int) int) Option {
	return func(l *Library) {
		if intn != nil {
			l.intn = intn
		}
	}
}

// NewLibrary returns a library over the non-blank entries of prompts, or the
// builtin pool when none remain.
func NewLibrary(prompts []string, opts ...Option) *Library {
	l := &Library{intn: rand.IntN}
	for _, p := range prompts {
		if s := strings.TrimSpace(p); s != "" {
			l.prompts = append(l.prompts, s)
		}
	}
	if len(l.prompts) == 0 {
		l.prompts = Builtin()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Library) Len() int { return len(l.prompts) }

func (l *Library) Pick() string {
	return l.prompts[l.intn(len(l.prompts))]
}
