package evaluator

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
)

type node struct {
	key         dynamo.KeyTag
	deps        []dynamo.KeyTag
	fn          Func
	depVersions map[dynamo.KeyTag]uint64
	evaluated   bool
	evaluations int
	seen        map[string]uint64
	partials    map[string]*partial
}

// partial memoizes d(node)/d(wrt). Its stamps cover dependency values and the
// derivative records of dependencies it chains through.
type partial struct {
	wrt         string
	stamps      map[dynamo.KeyTag]uint64
	evaluated   bool
	evaluations int
	seen        map[string]uint64
}

// Graph is the registry of evaluator nodes for one State.
type Graph struct {
	nodes      map[dynamo.KeyTag]*node
	order      []dynamo.KeyTag
	primary    map[dynamo.KeyTag]map[string]uint64
	compatible bool
}

func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[dynamo.KeyTag]*node),
		primary: make(map[dynamo.KeyTag]map[string]uint64),
	}
}

// Register instantiates fn as the evaluator of key at tag. The same Func may
// be registered at several tags; each registration is an independent node.
func (g *Graph) Register(key string, tag dynamo.Tag, fn Func) error {
	if g.compatible {
		return dynamo.Configf("register evaluator %s@%s after compatibility check", key, tag)
	}
	kt := dynamo.KeyTag{Key: key, Tag: tag}
	if _, ok := g.nodes[kt]; ok {
		return fmt.Errorf("%w: evaluator %s registered twice", dynamo.ErrConflict, kt)
	}
	deps := fn.Dependencies()
	n := &node{
		key:         kt,
		deps:        make([]dynamo.KeyTag, len(deps)),
		fn:          fn,
		depVersions: make(map[dynamo.KeyTag]uint64, len(deps)),
		seen:        make(map[string]uint64),
		partials:    make(map[string]*partial),
	}
	for i, d := range deps {
		n.deps[i] = dynamo.KeyTag{Key: d, Tag: tag}
	}
	g.nodes[kt] = n
	if path := g.cycleThrough(kt); path != nil {
		delete(g.nodes, kt)
		return dynamo.Configf("dependency cycle %s", formatPath(path))
	}
	g.order = append(g.order, kt)
	return nil
}

// cycleThrough returns a path start -> ... -> start, or nil.
func (g *Graph) cycleThrough(start dynamo.KeyTag) []dynamo.KeyTag {
	visited := make(map[dynamo.KeyTag]bool)
	var walk func(kt dynamo.KeyTag, path []dynamo.KeyTag) []dynamo.KeyTag
	walk = func(kt dynamo.KeyTag, path []dynamo.KeyTag) []dynamo.KeyTag {
		n, ok := g.nodes[kt]
		if !ok {
			return nil
		}
		for _, d := range n.deps {
			if d == start {
				return append(path, d)
			}
			if visited[d] {
				continue
			}
			visited[d] = true
			if p := walk(d, append(path, d)); p != nil {
				return p
			}
		}
		return nil
	}
	return walk(start, []dynamo.KeyTag{start})
}

func formatPath(path []dynamo.KeyTag) string {
	parts := make([]string, len(path))
	for i, kt := range path {
		parts[i] = kt.String()
	}
	return strings.Join(parts, " -> ")
}

func (g *Graph) Has(key string, tag dynamo.Tag) bool {
	_, ok := g.nodes[dynamo.KeyTag{Key: key, Tag: tag}]
	return ok
}

func (g *Graph) Len() int { return len(g.nodes) }

// RequireDerivative requests storage for d(key)/d(wrt) at tag. Derivatives of
// intermediate nodes needed by the chain rule are added by EnsureCompatibility.
func (g *Graph) RequireDerivative(key string, tag dynamo.Tag, wrt string) error {
	if g.compatible {
		return dynamo.Configf("require derivative of %s@%s after compatibility check", key, tag)
	}
	n, ok := g.nodes[dynamo.KeyTag{Key: key, Tag: tag}]
	if !ok {
		return fmt.Errorf("%w: evaluator %s@%s", dynamo.ErrNotFound, key, tag)
	}
	n.addPartial(wrt)
	return nil
}

func (n *node) addPartial(wrt string) {
	if _, ok := n.partials[wrt]; !ok {
		n.partials[wrt] = &partial{wrt: wrt, stamps: make(map[dynamo.KeyTag]uint64), seen: make(map[string]uint64)}
	}
}

// topo orders nodes so every node precedes the nodes it depends on.
func (g *Graph) topo() []*node {
	var post []*node
	done := make(map[dynamo.KeyTag]bool)
	var visit func(kt dynamo.KeyTag)
	visit = func(kt dynamo.KeyTag) {
		n, ok := g.nodes[kt]
		if !ok || done[kt] {
			return
		}
		done[kt] = true
		for _, d := range n.deps {
			visit(d)
		}
		post = append(post, n)
	}
	for _, kt := range g.order {
		visit(kt)
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

func (g *Graph) dependsOn(kt dynamo.KeyTag, key string) bool {
	n, ok := g.nodes[kt]
	if !ok {
		return false
	}
	for _, d := range n.deps {
		if d.Key == key || g.dependsOn(d, key) {
			return true
		}
	}
	return false
}

// EnsureCompatibility pushes shape requirements from each node down to its
// dependencies, lets shapeless outputs inherit from their dependencies, and
// declares every output and derivative record. It must run once before
// State.Setup and before any Update; repeat calls are no-ops.
func (g *Graph) EnsureCompatibility(s *state.State) error {
	if g.compatible {
		return nil
	}
	order := g.topo()
	for _, n := range order {
		own, _ := s.Shape(n.key.Key, n.key.Tag)
		if sh, ok := n.fn.(Shaper); ok {
			own = sh.Shape()
		}
		if err := s.Require(n.key.Key, n.key.Tag, own, n.key.Key); err != nil {
			return fmt.Errorf("evaluator %s: %w", n.key, err)
		}
		neg, _ := n.fn.(ShapeNegotiator)
		for _, d := range n.deps {
			want := own
			if neg != nil {
				want = neg.DependencyShape(d.Key, own)
			}
			if err := s.Require(d.Key, d.Tag, want, ""); err != nil {
				return fmt.Errorf("evaluator %s dependency %s: %w", n.key, d, err)
			}
		}
		for wrt := range n.partials {
			for _, d := range n.deps {
				if d.Key != wrt && g.dependsOn(d, wrt) {
					g.nodes[d].addPartial(wrt)
				}
			}
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		own, _ := s.Shape(n.key.Key, n.key.Tag)
		if len(own) == 0 {
			for _, d := range n.deps {
				if sh, ok := s.Shape(d.Key, d.Tag); ok && len(sh) > 0 {
					own = sh
					break
				}
			}
			if err := s.Require(n.key.Key, n.key.Tag, own, n.key.Key); err != nil {
				return fmt.Errorf("evaluator %s: %w", n.key, err)
			}
		}
		for wrt := range n.partials {
			if err := s.Require(dynamo.DerivativeKey(n.key.Key, wrt), n.key.Tag, own, n.key.Key); err != nil {
				return fmt.Errorf("evaluator %s derivative wrt %s: %w", n.key, wrt, err)
			}
		}
	}
	g.compatible = true
	return nil
}

func (g *Graph) ready() error {
	if !g.compatible {
		return dynamo.Configf("evaluator graph used before EnsureCompatibility")
	}
	return nil
}

// Update brings key@tag up to date and reports whether its value changed
// since request last asked. Keys without an evaluator are primary fields
// whose changes are tracked through their record version alone.
func (g *Graph) Update(s *state.State, request, key string, tag dynamo.Tag) (bool, error) {
	if err := g.ready(); err != nil {
		return false, err
	}
	kt := dynamo.KeyTag{Key: key, Tag: tag}
	n, ok := g.nodes[kt]
	if !ok {
		v, err := s.Version(key, tag)
		if err != nil {
			return false, err
		}
		seen, ok := g.primary[kt]
		if !ok {
			seen = make(map[string]uint64)
			g.primary[kt] = seen
		}
		changed := seen[request] != v
		seen[request] = v
		return changed, nil
	}
	if err := g.update(s, n); err != nil {
		return false, err
	}
	v, err := s.Version(key, tag)
	if err != nil {
		return false, err
	}
	changed := n.seen[request] != v
	n.seen[request] = v
	return changed, nil
}

func (g *Graph) update(s *state.State, n *node) error {
	stale := !n.evaluated
	for _, d := range n.deps {
		if dn, ok := g.nodes[d]; ok {
			if err := g.update(s, dn); err != nil {
				return err
			}
		}
		v, err := s.Version(d.Key, d.Tag)
		if err != nil {
			return fmt.Errorf("evaluator %s: %w", n.key, err)
		}
		if v != n.depVersions[d] {
			stale = true
		}
	}
	if !stale {
		return nil
	}
	out, err := s.GetW(n.key.Key, n.key.Tag, n.key.Key)
	if err != nil {
		return err
	}
	if err := n.fn.Evaluate(Inputs{s: s, tag: n.key.Tag}, out); err != nil {
		return fmt.Errorf("evaluate %s: %w", n.key, err)
	}
	for _, d := range n.deps {
		n.depVersions[d], _ = s.Version(d.Key, d.Tag)
	}
	n.evaluated = true
	n.evaluations++
	return nil
}

// UpdateDerivative brings d(key)/d(wrt)@tag up to date, applying the chain
// rule pointwise through intermediate evaluators.
func (g *Graph) UpdateDerivative(s *state.State, request, key string, tag dynamo.Tag, wrt string) (bool, error) {
	if err := g.ready(); err != nil {
		return false, err
	}
	n, ok := g.nodes[dynamo.KeyTag{Key: key, Tag: tag}]
	if !ok {
		return false, fmt.Errorf("%w: evaluator %s@%s", dynamo.ErrNotFound, key, tag)
	}
	p, ok := n.partials[wrt]
	if !ok {
		return false, fmt.Errorf("%w: derivative of %s@%s wrt %s was not required", dynamo.ErrNotFound, key, tag, wrt)
	}
	if err := g.updatePartial(s, n, p); err != nil {
		return false, err
	}
	v, err := s.Version(dynamo.DerivativeKey(key, wrt), tag)
	if err != nil {
		return false, err
	}
	changed := p.seen[request] != v
	p.seen[request] = v
	return changed, nil
}

func (g *Graph) updatePartial(s *state.State, n *node, p *partial) error {
	if err := g.update(s, n); err != nil {
		return err
	}
	stamps := make(map[dynamo.KeyTag]uint64, 2*len(n.deps))
	var chained []dynamo.KeyTag
	for _, d := range n.deps {
		stamps[d], _ = s.Version(d.Key, d.Tag)
		if d.Key == p.wrt {
			continue
		}
		dn, ok := g.nodes[d]
		if !ok {
			continue
		}
		dp, ok := dn.partials[p.wrt]
		if !ok {
			continue
		}
		if err := g.updatePartial(s, dn, dp); err != nil {
			return err
		}
		dk := dynamo.KeyTag{Key: dynamo.DerivativeKey(d.Key, p.wrt), Tag: d.Tag}
		stamps[dk], _ = s.Version(dk.Key, dk.Tag)
		chained = append(chained, d)
	}
	stale := !p.evaluated
	for kt, v := range stamps {
		if p.stamps[kt] != v {
			stale = true
		}
	}
	if !stale {
		return nil
	}

	out, err := s.GetW(dynamo.DerivativeKey(n.key.Key, p.wrt), n.key.Tag, n.key.Key)
	if err != nil {
		return err
	}
	in := Inputs{s: s, tag: n.key.Tag}
	scratch := state.NewField(out.Shape())
	zero(out)
	for _, d := range n.deps {
		if d.Key == p.wrt {
			if err := n.fn.Partial(in, d.Key, scratch); err != nil {
				return fmt.Errorf("partial %s wrt %s: %w", n.key, d.Key, err)
			}
			accumulate(out, scratch, nil)
		}
	}
	for _, d := range chained {
		if err := n.fn.Partial(in, d.Key, scratch); err != nil {
			return fmt.Errorf("partial %s wrt %s: %w", n.key, d.Key, err)
		}
		inner, err := s.Get(dynamo.DerivativeKey(d.Key, p.wrt), d.Tag)
		if err != nil {
			return err
		}
		accumulate(out, scratch, inner)
	}
	p.stamps = stamps
	p.evaluated = true
	p.evaluations++
	return nil
}

func zero(f *state.Field) {
	for _, name := range f.Components() {
		v := f.Component(name)
		for i := range v {
			v[i] = 0
		}
	}
}

// accumulate adds a (times b pointwise, when b is given) into out.
func accumulate(out, a, b *state.Field) {
	for _, name := range out.Components() {
		o, x := out.Component(name), a.Component(name)
		var y []float64
		if b != nil {
			y = b.Component(name)
		}
		for i := range o {
			if y != nil {
				o[i] += x[i] * y[i]
			} else {
				o[i] += x[i]
			}
		}
	}
}

// UpdateAll evaluates every node, used to initialize secondary fields.
func (g *Graph) UpdateAll(s *state.State) error {
	if err := g.ready(); err != nil {
		return err
	}
	for _, kt := range g.order {
		if err := g.update(s, g.nodes[kt]); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) Evaluations(key string, tag dynamo.Tag) int {
	if n, ok := g.nodes[dynamo.KeyTag{Key: key, Tag: tag}]; ok {
		return n.evaluations
	}
	return 0
}

func (g *Graph) DerivativeEvaluations(key string, tag dynamo.Tag, wrt string) int {
	if n, ok := g.nodes[dynamo.KeyTag{Key: key, Tag: tag}]; ok {
		if p, ok := n.partials[wrt]; ok {
			return p.evaluations
		}
	}
	return 0
}

// WriteDOT writes the dependency graph in graphviz format.
func (g *Graph) WriteDOT(w io.Writer) error {
	var edges []string
	for kt, n := range g.nodes {
		for _, d := range n.deps {
			edges = append(edges, fmt.Sprintf("  %q -> %q;", kt.String(), d.String()))
		}
	}
	sort.Strings(edges)
	var b strings.Builder
	b.WriteString("digraph dependencies {\n")
	for _, e := range edges {
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
