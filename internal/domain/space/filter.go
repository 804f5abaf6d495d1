package space

import "strings"

// Filter selects a subset of a space's members. The variant set is closed:
// only types in this package can implement it.
type Filter interface {
	// Matches reports whether m belongs to the filtered view.
	Matches(m *Member) bool
	// Kind names the variant on the wire and in logs.
	Kind() FilterKind

	isFilter()
}

// FilterKind tags a Filter variant.
type FilterKind string

const (
	FilterKindContainsName  FilterKind = "contains_name"
	FilterKindEverybody     FilterKind = "everybody"
	FilterKindLiveStreaming FilterKind = "live_streaming"
)

// ContainsName matches members whose name contains a case-insensitive substring.
type ContainsName struct {
	value string
}

// NewContainsName lower-cases value once so matching never re-folds it.
func NewContainsName(value string) ContainsName {
	return ContainsName{value: strings.ToLower(value)}
}

// Value returns the lower-cased needle.
func (f ContainsName) Value() string { return f.value }

func (f ContainsName) Matches(m *Member) bool {
	return strings.Contains(m.lowercaseName, f.value)
}

func (ContainsName) Kind() FilterKind { return FilterKindContainsName }
func (ContainsName) isFilter()        {}

// Everybody matches every member.
type Everybody struct{}

func (Everybody) Matches(*Member) bool { return true }
func (Everybody) Kind() FilterKind     { return FilterKindEverybody }
func (Everybody) isFilter()            {}

// LiveStreaming matches members currently broadcasting through the megaphone.
type LiveStreaming struct{}

func (LiveStreaming) Matches(m *Member) bool { return m.MegaphoneState }
func (LiveStreaming) Kind() FilterKind       { return FilterKindLiveStreaming }
func (LiveStreaming) isFilter()              {}

// NamedFilter is the unit of subscription: a watcher holds many, keyed by Name.
type NamedFilter struct {
	Name   string
	Filter Filter
}

// FilterSpec is the wire form of a filter union. Exactly one variant must be set.
type FilterSpec struct {
	ContainsName  *ContainsNameSpec `json:"contains_name,omitempty"`
	Everybody     *struct{}         `json:"everybody,omitempty"`
	LiveStreaming *struct{}         `json:"live_streaming,omitempty"`
}

// ContainsNameSpec carries the needle of a contains-name filter.
type ContainsNameSpec struct {
	Value string `json:"value"`
}

// Build turns the wire union into a Filter, failing loudly on zero or several variants.
func (s FilterSpec) Build() (Filter, error) {
	var (
		f   Filter
		set int
	)
	if s.ContainsName != nil {
		f = NewContainsName(s.ContainsName.Value)
		set++
	}
	if s.Everybody != nil {
		f = Everybody{}
		set++
	}
	if s.LiveStreaming != nil {
		f = LiveStreaming{}
		set++
	}
	if set != 1 {
		return nil, ErrMalformedFilter.WithDetails(map[string]interface{}{"variants_set": set})
	}
	return f, nil
}

// SpecOf renders a Filter back into its wire union.
func SpecOf(f Filter) FilterSpec {
	switch v := f.(type) {
	case ContainsName:
		return FilterSpec{ContainsName: &ContainsNameSpec{Value: v.value}}
	case Everybody:
		return FilterSpec{Everybody: &struct{}{}}
	case LiveStreaming:
		return FilterSpec{LiveStreaming: &struct{}{}}
	default:
		panic("space: unhandled filter variant " + string(f.Kind()))
	}
}
