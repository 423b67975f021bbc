package experiment

import (
	"fmt"
	"log/slog"

	"github.com/san-kum/cyclesim/internal/comm"
	"github.com/san-kum/cyclesim/internal/config"
	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/integrators"
	"github.com/san-kum/cyclesim/internal/physics"
	"github.com/san-kum/cyclesim/internal/process"
)

// Registry turns pk_tree nodes into processes.
type Registry struct {
	log *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{log: slog.Default()}
}

func (r *Registry) SetLogger(l *slog.Logger) {
	if l != nil {
		r.log = l
	}
}

func (r *Registry) GetModel(name string, params map[string]float64) (physics.Model, error) {
	m, err := physics.New(name, params)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}
	return m, nil
}

func (r *Registry) GetIntegrator(name string) (integrators.Integrator, error) {
	return integrators.New(name)
}

func (r *Registry) ListModels() []string      { return physics.Names() }
func (r *Registry) ListIntegrators() []string { return integrators.Names() }

// Build creates the process for n and, for composites, all of its
// descendants in order. Every leaf reduces through c.
func (r *Registry) Build(n *config.Node, c comm.Comm) (process.Process, error) {
	var p process.Process
	switch n.Type {
	case config.NodeComposite:
		comp := process.NewComposite(n.Name)
		for _, ch := range n.Children {
			child, err := r.Build(ch, c)
			if err != nil {
				return nil, err
			}
			comp.Add(child)
		}
		p = comp

	case config.NodeExplicit, config.NodeBDF:
		model, err := r.GetModel(n.Model, n.Params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		opts := process.Options{
			Field:   n.Field,
			DT:      n.DT,
			MaxDT:   n.MaxDT,
			Initial: dynamo.Vector(n.Initial),
			Lower:   n.Lower,
			Upper:   n.Upper,
			Comm:    c,
		}
		if n.Type == config.NodeBDF {
			p = process.NewBDF(n.Name, model, process.BDFOptions{
				ATol:              n.ATol,
				RTol:              n.RTol,
				AdaptiveTolerance: n.AdaptiveTolerance,
				MaxIterations:     n.MaxIterations,
			}, opts)
			break
		}
		integ, err := r.GetIntegrator(n.Integrator)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		p = process.NewExplicit(n.Name, model, integ, n.Tolerance, opts)

	default:
		return nil, dynamo.Configf("node %q: unknown type %q", n.Name, n.Type)
	}

	if l, ok := p.(interface{ SetLogger(*slog.Logger) }); ok {
		l.SetLogger(r.log)
	}
	return p, nil
}
