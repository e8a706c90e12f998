package live

import (
	"fmt"
	"slices"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/events"
)

// Filter selects the envelopes one connection receives. Either ScopeKey or
// OrganizationID narrows the scope; Fields, when set, keeps only envelopes
// whose payload lists at least one of them as changed.
type Filter struct {
	Type           events.Type
	ScopeKey       string
	OrganizationID string
	Fields         []string
}

func (f Filter) Validate() error {
	if !f.Type.Valid() {
		return fmt.Errorf("filter: unknown event type %q: %w", f.Type, parley.ErrInvalidInput)
	}
	if f.ScopeKey == "" && f.OrganizationID == "" {
		return fmt.Errorf("filter: scope key or organization required: %w", parley.ErrInvalidInput)
	}
	for _, field := range f.Fields {
		if field == "" {
			return fmt.Errorf("filter: empty field name: %w", parley.ErrInvalidInput)
		}
	}
	return nil
}

// Match is a pure predicate over the envelope and its changed fields. A nil
// changed list means the producer did not say, which matches any field
// filter.
func (f Filter) Match(env events.Envelope, changed []string) bool {
	if env.Type != f.Type {
		return false
	}
	if f.ScopeKey != "" && env.ScopeKey != f.ScopeKey {
		return false
	}
	if f.OrganizationID != "" && env.OrganizationID != f.OrganizationID {
		return false
	}
	if len(f.Fields) == 0 || changed == nil {
		return true
	}
	for _, field := range f.Fields {
		if slices.Contains(changed, field) {
			return true
		}
	}
	return false
}
