package tunnel

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/search"
)

type FilterCategory int

const (
	// plain words, matched against the record name
	FilterName FilterCategory = iota
	// `#` prefixed, matched against the formatted frequency
	FilterFrequency
	// `@` prefixed, one of `in`, `out`, `bound`, `unbound`, `error`
	FilterType
)

func (self FilterCategory) String() string {
	switch self {
	case FilterName:
		return "name"
	case FilterFrequency:
		return "frequency"
	case FilterType:
		return "type"
	default:
		return "unknown"
	}
}

// FilterEngine compiles a search query into per category terms
// and evaluates a record against one category.
type FilterEngine interface {
	// the query is already lower case
	UpdateQuery(query string)
	// only categories with at least one term
	ActiveFilters() map[FilterCategory][]string
	Matches(category FilterCategory, record *Record, terms []string) bool
}

// QueryFilter is the default filter grammar.
// A category accepts a record when any of its terms matches.
// The zero value has no active filters.
type QueryFilter struct {
	query   string
	active  map[FilterCategory][]string
	matcher *search.Matcher
}

func NewQueryFilter() *QueryFilter {
	return &QueryFilter{
		active:  map[FilterCategory][]string{},
		matcher: newFoldMatcher(),
	}
}

func (self *QueryFilter) UpdateQuery(query string) {
	if query == self.query && self.active != nil {
		return
	}
	self.query = query
	active := map[FilterCategory][]string{}
	for _, token := range strings.Fields(query) {
		var category FilterCategory
		var term string
		switch {
		case strings.HasPrefix(token, "#"):
			category = FilterFrequency
			term = strings.TrimPrefix(token, "#")
		case strings.HasPrefix(token, "@"):
			category = FilterType
			term = strings.TrimPrefix(token, "@")
		default:
			category = FilterName
			term = token
		}
		if term == "" {
			continue
		}
		active[category] = append(active[category], term)
	}
	self.active = active
}

func (self *QueryFilter) ActiveFilters() map[FilterCategory][]string {
	return self.active
}

func (self *QueryFilter) Matches(category FilterCategory, record *Record, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	for _, term := range terms {
		if self.matchTerm(category, record, term) {
			return true
		}
	}
	return false
}

func (self *QueryFilter) matchTerm(category FilterCategory, record *Record, term string) bool {
	switch category {
	case FilterName:
		if self.matcher == nil {
			self.matcher = newFoldMatcher()
		}
		start, _ := self.matcher.IndexString(record.Name, term)
		return 0 <= start
	case FilterFrequency:
		frequency := strings.ToLower(strings.ReplaceAll(FormatFrequency(record.Frequency), " ", ""))
		return strings.Contains(frequency, strings.ToLower(term))
	case FilterType:
		switch strings.ToLower(term) {
		case "in", "input":
			return !record.Output
		case "out", "output":
			return record.Output
		case "bound":
			return record.Bound()
		case "unbound":
			return !record.Bound()
		case "error":
			return record.Error
		default:
			return false
		}
	default:
		return true
	}
}

func newFoldMatcher() *search.Matcher {
	return search.New(language.Und, search.IgnoreCase)
}

// countNameHits counts the terms found in `name`, removing the first case-insensitive
// occurrence of each term before looking for the next one.
// Returns the hit count and the residual name.
func countNameHits(matcher *search.Matcher, name string, terms []string) (int64, string) {
	hits := int64(0)
	for _, term := range terms {
		start, end := matcher.IndexString(name, term)
		if start < 0 {
			continue
		}
		hits += 1
		name = name[:start] + name[end:]
	}
	return hits, name
}
