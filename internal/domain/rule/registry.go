package rule

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Predicate is a custom leaf. It must be deterministic for a given context
// and arguments.
type Predicate func(ctx Context, args map[string]Value) (bool, error)

// Matcher tests a string against a pattern in some pattern syntax.
type Matcher func(pattern, s string) (bool, error)

// MatcherRegex is the default pattern syntax.
const MatcherRegex = "regex"

// Registry holds the predicates and matchers an Evaluator may call. It is
// an explicit value passed to NewEvaluator, never a package global.
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
	matchers   map[string]Matcher
}

// NewRegistry returns a registry with the regex matcher installed.
func NewRegistry() *Registry {
	r := &Registry{
		predicates: make(map[string]Predicate),
		matchers:   make(map[string]Matcher),
	}
	r.matchers[MatcherRegex] = newRegexMatcher()
	return r
}

// RegisterPredicate adds a named predicate. Names are unique.
func (r *Registry) RegisterPredicate(name string, p Predicate) error {
	if name == "" || p == nil {
		return errors.New("predicate name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("predicate already registered: %s", name)
	}
	r.predicates[name] = p
	return nil
}

// RegisterMatcher adds a named pattern syntax. Names are unique.
func (r *Registry) RegisterMatcher(name string, m Matcher) error {
	if name == "" || m == nil {
		return errors.New("matcher name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.matchers[name]; exists {
		return fmt.Errorf("matcher already registered: %s", name)
	}
	r.matchers[name] = m
	return nil
}

// Predicate looks up a predicate by name.
func (r *Registry) Predicate(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// Matcher looks up a matcher by name; the empty name selects regex.
func (r *Registry) Matcher(name string) (Matcher, bool) {
	if name == "" {
		name = MatcherRegex
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matchers[name]
	return m, ok
}

// Predicates returns the registered predicate names, sorted.
func (r *Registry) Predicates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.predicates))
	for n := range r.predicates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// newRegexMatcher memoises compiled patterns; compilation is pure so the
// cache does not affect results.
func newRegexMatcher() Matcher {
	var cache sync.Map
	return func(pattern, s string) (bool, error) {
		if re, ok := cache.Load(pattern); ok {
			return re.(*regexp.Regexp).MatchString(s), nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidExpression, pattern, err)
		}
		cache.Store(pattern, re)
		return re.MatchString(s), nil
	}
}
