package extract

import "regexp"

// Extractor is one heuristic for pulling a field out of rendered page
// text. heuristics are tried in order, first hit wins, so adding or
// reordering them never touches adapter control flow.
type Extractor interface {
	Name() string
	TryExtract(pageText string) (string, bool)
}

// Regex extracts the given capture group of a pattern.
type Regex struct {
	Label   string
	Pattern *regexp.Regexp
	// capture group to return, 0 for the whole match
	Group int
}

func (r Regex) Name() string { return r.Label }

func (r Regex) TryExtract(pageText string) (string, bool) {
	groups := r.Pattern.FindStringSubmatch(pageText)
	if groups == nil || r.Group >= len(groups) {
		return "", false
	}
	value := groups[r.Group]
	if value == "" {
		return "", false
	}
	return value, true
}

// Func wraps an arbitrary lookup, e.g. a DOM locator probe.
type Func struct {
	Label string
	Fn    func(pageText string) (string, bool)
}

func (f Func) Name() string { return f.Label }

func (f Func) TryExtract(pageText string) (string, bool) {
	return f.Fn(pageText)
}

// First runs the chain in order and reports which heuristic matched.
func First(pageText string, extractors ...Extractor) (value, source string, ok bool) {
	for _, e := range extractors {
		v, hit := e.TryExtract(pageText)
		if hit {
			return v, e.Name(), true
		}
	}
	return "", "", false
}
