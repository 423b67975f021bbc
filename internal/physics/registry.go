package physics

import (
	"fmt"
	"sort"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// Model is what every sample model provides.
type Model interface {
	dynamo.System
	dynamo.Configurable
	DefaultState() dynamo.Vector
}

var models = map[string]func() Model{
	"decay":       func() Model { return NewDecay() },
	"spring_mass": func() Model { return NewSpringMass() },
	"pendulum":    func() Model { return NewPendulum() },
	"vanderpol":   func() Model { return NewVanDerPol() },
}

// structural params resize a model and are applied before the rest.
var structural = map[string]bool{"masses": true, "cells": true}

// New builds a model by name and applies params on top of its defaults.
func New(name string, params map[string]float64) (Model, error) {
	f, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("%w: model %q", dynamo.ErrNotFound, name)
	}
	m := f()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if structural[keys[i]] != structural[keys[j]] {
			return structural[keys[i]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if err := m.SetParam(k, params[k]); err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
	}
	return m, nil
}

func Names() []string {
	names := make([]string, 0, len(models))
	for n := range models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func unknownParam(name string) error {
	return dynamo.Configf("unknown param: %s", name)
}
