package marker

import "sort"

// Protocol carries the mutual-exclusion rules between markers. Setting a
// marker through a Protocol clears every marker registered as exclusive
// with it.
type Protocol struct {
	exclusive map[Name]map[Name]bool
}

// NewProtocol builds a protocol from mutually exclusive pairs.
func NewProtocol(pairs ...[2]Name) *Protocol {
	p := &Protocol{exclusive: make(map[Name]map[Name]bool)}
	for _, pair := range pairs {
		p.Exclude(pair[0], pair[1])
	}
	return p
}

// Exclude registers a and b as mutually exclusive.
func (p *Protocol) Exclude(a, b Name) {
	if a == b {
		return
	}
	p.add(a, b)
	p.add(b, a)
}

func (p *Protocol) add(a, b Name) {
	set, ok := p.exclusive[a]
	if !ok {
		set = make(map[Name]bool)
		p.exclusive[a] = set
	}
	set[b] = true
}

// ExclusiveWith returns the markers cleared when name is set, sorted.
func (p *Protocol) ExclusiveWith(name Name) []Name {
	if p == nil {
		return nil
	}
	set := p.exclusive[name]
	out := make([]Name, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set applies Set with the registered exclusions for name.
func (p *Protocol) Set(text string, name Name) string {
	return Set(text, name, p.ExclusiveWith(name)...)
}

// Apply performs op for name on text. The boolean reports whether the text
// changed; an unknown op leaves text untouched.
func (p *Protocol) Apply(text string, name Name, op Op) (string, bool) {
	switch op {
	case OpSet:
		out := p.Set(text, name)
		return out, out != text
	case OpClear:
		return Clear(text, name)
	}
	return text, false
}

// Conflicting reports whether text carries name together with any marker
// registered as exclusive with it.
func (p *Protocol) Conflicting(text string, name Name) []Name {
	if !Has(text, name) {
		return nil
	}
	var hits []Name
	for _, ex := range p.ExclusiveWith(name) {
		if Has(text, ex) {
			hits = append(hits, ex)
		}
	}
	return hits
}
