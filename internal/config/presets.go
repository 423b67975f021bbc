package config

import (
	"sort"

	"github.com/san-kum/cyclesim/internal/observation"
	"github.com/san-kum/cyclesim/internal/timestep"
	"github.com/san-kum/cyclesim/internal/visualization"
)

func leaf(name, typ, model, integ string, dt float64, params map[string]float64) *Config {
	cfg := DefaultConfig()
	cfg.Name = model + "-" + name
	cfg.PKTree = map[string]*Node{
		model: {Type: typ, Model: model, Integrator: integ, DT: dt, Params: params},
	}
	return cfg
}

func decayScenario() *Config {
	cfg := leaf("step", NodeExplicit, "decay", "euler", 10, map[string]float64{"rate": 0.01})
	cfg.Driver.EndTime = 100
	cfg.Checkpoint.Schedule = timestep.EveryTime(0, 25)
	return cfg
}

func decayRelax() *Config {
	cfg := leaf("relax", NodeBDF, "decay", "", 0.5, map[string]float64{"rate": 2, "cells": 8})
	cfg.Driver.EndTime = 20
	cfg.Observations = []observation.Spec{
		{Field: "decay", Reduction: "mean", Schedule: timestep.Every(1)},
		{Field: "decay", Reduction: "max", Schedule: timestep.EveryTime(0, 1)},
	}
	return cfg
}

func springChain() *Config {
	cfg := leaf("chain", NodeExplicit, "spring_mass", "verlet", 0.005, map[string]float64{"masses": 4, "stiffness": 20})
	cfg.Driver.EndTime = 30
	cfg.Observations = []observation.Spec{
		{Field: "spring_mass_energy", Drift: true, Schedule: timestep.Every(10)},
	}
	cfg.Visualization = []visualization.Config{
		{Fields: []string{"spring_mass"}, Schedule: timestep.EveryTime(0, 1)},
	}
	return cfg
}

func pendulumAdaptive() *Config {
	cfg := leaf("adaptive", NodeExplicit, "pendulum", "rk45", 0.1, map[string]float64{"theta0": 2.5})
	cfg.Driver.EndTime = 20
	cfg.PKTree["pendulum"].Tolerance = 1e-8
	cfg.Observations = []observation.Spec{
		{Field: "pendulum_energy", Drift: true, Schedule: timestep.Every(1)},
	}
	return cfg
}

func vanderpolStiff() *Config {
	cfg := leaf("stiff", NodeBDF, "vanderpol", "", 0.01, map[string]float64{"mu": 5})
	cfg.Driver.EndTime = 60
	n := cfg.PKTree["vanderpol"]
	n.AdaptiveTolerance = true
	n.MaxDT = 1
	return cfg
}

func coupled() *Config {
	cfg := DefaultConfig()
	cfg.Name = "coupled"
	cfg.PKTree = map[string]*Node{
		"coupled": {
			Type: NodeComposite,
			Children: []*Node{
				{Name: "decay", Type: NodeBDF, Model: "decay", DT: 0.2},
				{Name: "pendulum", Type: NodeExplicit, Model: "pendulum", Integrator: "rk4", DT: 0.05},
			},
		},
	}
	cfg.Driver.EndTime = 10
	cfg.Checkpoint.Schedule = timestep.Every(50)
	cfg.Observations = []observation.Spec{
		{Field: "decay", Reduction: "norm", Schedule: timestep.Every(1)},
		{Field: "pendulum_energy", Schedule: timestep.Every(1)},
	}
	return cfg
}

// Presets are keyed by model, then preset name. Each call builds a fresh
// config.
var Presets = map[string]map[string]func() *Config{
	"decay": {
		"step":    decayScenario,
		"relax":   decayRelax,
		"coupled": coupled,
	},
	"spring_mass": {
		"chain": springChain,
		"bounce": func() *Config {
			return leaf("bounce", NodeExplicit, "spring_mass", "rk4", 0.01, nil)
		},
	},
	"pendulum": {
		"small": func() *Config {
			return leaf("small", NodeExplicit, "pendulum", "rk4", 0.01, map[string]float64{"theta0": 0.2})
		},
		"adaptive": pendulumAdaptive,
	},
	"vanderpol": {
		"stiff": vanderpolStiff,
	},
}

func GetPreset(model, preset string) *Config {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	build, ok := modelPresets[preset]
	if !ok {
		return nil
	}
	return build()
}

func ListPresets(model string) []string {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(modelPresets))
	for name := range modelPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
