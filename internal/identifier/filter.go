package identifier

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// DefaultTempTablePatterns match staging tables created by common ELT tools.
var DefaultTempTablePatterns = []string{
	`.*\.FIVETRAN_.*_STAGING\..*`,
	`.*__DBT_TMP$`,
	`.*\.SEGMENT_[a-f0-9]{8}[-_][a-f0-9]{4}[-_][a-f0-9]{4}[-_][a-f0-9]{4}[-_][a-f0-9]{12}`,
	`.*\.STAGING_.*_[a-f0-9]{8}[-_][a-f0-9]{4}[-_][a-f0-9]{4}[-_][a-f0-9]{4}[-_][a-f0-9]{12}`,
}

// AllowDenyPattern selects names by regular expression. A name is allowed
// when it matches no deny pattern and at least one allow pattern. A pattern
// must match the whole name and is matched case-insensitively.
type AllowDenyPattern struct {
	Allow []string `koanf:"allow" yaml:"allow,omitempty"`
	Deny  []string `koanf:"deny" yaml:"deny,omitempty"`
}

// AllowAll returns a pattern that admits every name.
func AllowAll() AllowDenyPattern {
	return AllowDenyPattern{Allow: []string{".*"}}
}

// Key is a stable text form of the pattern. Patterns are sorted and
// de-duplicated, and an empty allow list counts as ".*".
func (p AllowDenyPattern) Key() string {
	allow := p.Allow
	if len(allow) == 0 {
		allow = []string{".*"}
	}
	return "allow=" + patternKey(allow) + ";deny=" + patternKey(p.Deny)
}

func patternKey(patterns []string) string {
	out := slices.Clone(patterns)
	slices.Sort(out)
	return strings.Join(slices.Compact(out), "\x00")
}

type matcher struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

func (p AllowDenyPattern) compile() (*matcher, error) {
	allow := p.Allow
	if len(allow) == 0 {
		allow = []string{".*"}
	}
	m := &matcher{}
	var err error
	if m.allow, err = compilePatterns(allow); err != nil {
		return nil, fmt.Errorf("invalid allow pattern: %w", err)
	}
	if m.deny, err = compilePatterns(p.Deny); err != nil {
		return nil, fmt.Errorf("invalid deny pattern: %w", err)
	}
	return m, nil
}

func (m *matcher) allowed(name string) bool {
	if matchAny(m.deny, name) {
		return false
	}
	return matchAny(m.allow, name)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?i:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, name string) bool {
	for _, re := range res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Filter is the dataset filter policy applied during parsing and aggregation.
type Filter struct {
	temp   []*regexp.Regexp
	tables *matcher
}

// NewFilter compiles the temp-table patterns and the table allow/deny pattern.
// A nil tempPatterns slice selects DefaultTempTablePatterns.
func NewFilter(tempPatterns []string, tables AllowDenyPattern) (*Filter, error) {
	if tempPatterns == nil {
		tempPatterns = DefaultTempTablePatterns
	}
	temp, err := compilePatterns(tempPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid temporary table pattern: %w", err)
	}
	m, err := tables.compile()
	if err != nil {
		return nil, err
	}
	return &Filter{temp: temp, tables: m}, nil
}

// IsTempTable reports whether name matches a temporary table pattern.
func (f *Filter) IsTempTable(name string) bool {
	return matchAny(f.temp, name)
}

// IsAllowedTable reports whether name passes the table allow/deny pattern.
func (f *Filter) IsAllowedTable(name string) bool {
	return f.tables.allowed(name)
}
