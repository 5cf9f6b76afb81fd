package phase

import (
	"fmt"

	"github.com/fyrsmithlabs/epicflow/internal/marker"
)

// Pipeline is an ordered, validated set of phase definitions.
type Pipeline struct {
	defs  []Definition
	index map[Name]int
}

// New validates defs and builds a pipeline in the given order.
func New(defs ...Definition) (*Pipeline, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("pipeline needs at least one phase")
	}
	p := &Pipeline{
		defs:  make([]Definition, len(defs)),
		index: make(map[Name]int, len(defs)),
	}
	copy(p.defs, defs)

	for i, d := range p.defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := p.index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate phase %s", d.Name)
		}
		p.index[d.Name] = i
	}

	for i, d := range p.defs {
		if d.Class != Verify {
			continue
		}
		j, ok := p.index[d.LoopBack]
		if !ok {
			return nil, fmt.Errorf("phase %s: loop-back phase %s not in pipeline", d.Name, d.LoopBack)
		}
		target := p.defs[j]
		if j >= i {
			return nil, fmt.Errorf("phase %s: loop-back phase %s must come earlier", d.Name, d.LoopBack)
		}
		if target.Class != BoundedLoop {
			return nil, fmt.Errorf("phase %s: loop-back phase %s must be a bounded loop", d.Name, d.LoopBack)
		}
		if target.Group != d.Group {
			return nil, fmt.Errorf("phase %s: group %q differs from loop-back group %q", d.Name, d.Group, target.Group)
		}
		if target.Artifact != d.Artifact {
			return nil, fmt.Errorf("phase %s: status artifact must match loop-back phase %s", d.Name, d.LoopBack)
		}
	}
	return p, nil
}

// All returns the definitions in pipeline order.
func (p *Pipeline) All() []Definition {
	out := make([]Definition, len(p.defs))
	copy(out, p.defs)
	return out
}

// Get returns the definition for name.
func (p *Pipeline) Get(name Name) (Definition, bool) {
	i, ok := p.index[name]
	if !ok {
		return Definition{}, false
	}
	return p.defs[i], true
}

// Index returns the position of name, or -1.
func (p *Pipeline) Index(name Name) int {
	if i, ok := p.index[name]; ok {
		return i
	}
	return -1
}

// Next returns the phase after name. ok is false for the last phase.
func (p *Pipeline) Next(name Name) (Definition, bool) {
	i, found := p.index[name]
	if !found || i+1 >= len(p.defs) {
		return Definition{}, false
	}
	return p.defs[i+1], true
}

// MaxRounds returns the round budget of a group, or 0 for phases outside any
// loop group.
func (p *Pipeline) MaxRounds(group string) int {
	if group == "" {
		return 0
	}
	if d, ok := p.LoopPhase(group); ok {
		return d.MaxRounds
	}
	return 0
}

// LoopPhase returns the bounded-loop phase of a group.
func (p *Pipeline) LoopPhase(group string) (Definition, bool) {
	for _, d := range p.defs {
		if d.Group == group && d.IsLoop() {
			return d, true
		}
	}
	return Definition{}, false
}

// Exclusions returns the mutually exclusive marker pairs implied by the
// table: a findings marker excludes the loop phase's done marker and the
// verify phase's done marker.
func (p *Pipeline) Exclusions() [][2]marker.Name {
	var pairs [][2]marker.Name
	for _, d := range p.defs {
		if d.FindingsMarker == "" {
			continue
		}
		pairs = append(pairs, [2]marker.Name{d.DoneMarker, d.FindingsMarker})
	}
	return pairs
}

// Protocol builds a marker protocol from the table's exclusions.
func (p *Pipeline) Protocol() *marker.Protocol {
	return marker.NewProtocol(p.Exclusions()...)
}
