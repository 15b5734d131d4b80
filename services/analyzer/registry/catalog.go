// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"fmt"
)

// Override adjusts a built-in definition or, when ID is new, adds one.
// Zero-valued fields keep the base value.
type Override struct {
	ID                    string                 `yaml:"id" json:"id"`
	Name                  string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Extensions            []string               `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	RootMarkers           []string               `yaml:"root_markers,omitempty" json:"root_markers,omitempty"`
	ExcludeMarkers        []string               `yaml:"exclude_markers,omitempty" json:"exclude_markers,omitempty"`
	Command               string                 `yaml:"command,omitempty" json:"command,omitempty"`
	Args                  []string               `yaml:"args,omitempty" json:"args,omitempty"`
	Env                   []string               `yaml:"env,omitempty" json:"env,omitempty"`
	Installable           *bool                  `yaml:"installable,omitempty" json:"installable,omitempty"`
	Install               *InstallStrategy       `yaml:"install,omitempty" json:"install,omitempty"`
	InitializationOptions map[string]interface{} `yaml:"initialization_options,omitempty" json:"initialization_options,omitempty"`
	Settings              map[string]interface{} `yaml:"settings,omitempty" json:"settings,omitempty"`
}

func (o Override) apply(base AnalyzerDefinition) AnalyzerDefinition {
	d := base.clone()
	d.ID = o.ID
	if o.Name != "" {
		d.Name = o.Name
	}
	if o.Extensions != nil {
		d.Extensions = append([]string(nil), o.Extensions...)
	}
	if o.RootMarkers != nil {
		d.RootMarkers = append([]string(nil), o.RootMarkers...)
	}
	if o.ExcludeMarkers != nil {
		d.ExcludeMarkers = append([]string(nil), o.ExcludeMarkers...)
	}
	if o.Command != "" {
		d.Command = o.Command
	}
	if o.Args != nil {
		d.Args = append([]string(nil), o.Args...)
	}
	if o.Env != nil {
		d.Env = append([]string(nil), o.Env...)
	}
	if o.Installable != nil {
		d.Installable = *o.Installable
	}
	if o.Install != nil {
		d.Install = *o.Install
	}
	if o.InitializationOptions != nil {
		d.InitializationOptions = o.InitializationOptions
	}
	if o.Settings != nil {
		d.Settings = o.Settings
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	return d
}

// Catalog is an ordered, immutable list of analyzer definitions.
//
// Order matters: positional queries go to the first applicable analyzer.
//
// Thread Safety:
//
//	Safe for concurrent use; never modified after construction.
type Catalog struct {
	defs  []AnalyzerDefinition
	index map[string]int
}

// NewCatalog validates defs and builds a catalog preserving their order.
func NewCatalog(defs ...AnalyzerDefinition) (*Catalog, error) {
	c := &Catalog{
		defs:  make([]AnalyzerDefinition, 0, len(defs)),
		index: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAnalyzer, d.ID)
		}
		c.index[d.ID] = len(c.defs)
		c.defs = append(c.defs, d.clone())
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(Defaults()...)
	if err != nil {
		panic(fmt.Sprintf("registry: invalid built-in definitions: %v", err))
	}
	return c
}

// WithOverrides returns a new catalog with overrides applied. Overrides for
// known ids replace fields in place; unknown ids are appended in order.
func (c *Catalog) WithOverrides(overrides ...Override) (*Catalog, error) {
	defs := c.All()
	for _, o := range overrides {
		if o.ID == "" {
			return nil, fmt.Errorf("%w: override without id", ErrInvalidDefinition)
		}
		if i, ok := indexOf(defs, o.ID); ok {
			defs[i] = o.apply(defs[i])
			continue
		}
		defs = append(defs, o.apply(AnalyzerDefinition{}))
	}
	return NewCatalog(defs...)
}

func indexOf(defs []AnalyzerDefinition, id string) (int, bool) {
	for i, d := range defs {
		if d.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (AnalyzerDefinition, bool) {
	i, ok := c.index[id]
	if !ok {
		return AnalyzerDefinition{}, false
	}
	return c.defs[i].clone(), true
}

// Lookup is Get returning ErrUnknownAnalyzer for a missing id.
func (c *Catalog) Lookup(id string) (AnalyzerDefinition, error) {
	d, ok := c.Get(id)
	if !ok {
		return AnalyzerDefinition{}, fmt.Errorf("%w: %s", ErrUnknownAnalyzer, id)
	}
	return d, nil
}

// All returns every definition in catalog order.
func (c *Catalog) All() []AnalyzerDefinition {
	out := make([]AnalyzerDefinition, len(c.defs))
	for i, d := range c.defs {
		out[i] = d.clone()
	}
	return out
}

// IDs returns the analyzer ids in catalog order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.defs))
	for i, d := range c.defs {
		out[i] = d.ID
	}
	return out
}

// ForFile returns the definitions whose Matches accepts path, in catalog order.
func (c *Catalog) ForFile(path string) []AnalyzerDefinition {
	var out []AnalyzerDefinition
	for _, d := range c.defs {
		if d.Matches(path) {
			out = append(out, d.clone())
		}
	}
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.defs) }
