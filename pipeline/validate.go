package pipeline

import (
	"fmt"
	"slices"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/config"
)

type nodeKind int

const (
	inputNode nodeKind = iota
	stageNode
	outputNode
)

func (k nodeKind) String() string {
	switch k {
	case inputNode:
		return "input"
	case stageNode:
		return "stage"
	}
	return "output"
}

type edge struct {
	left, right string
}

// plan is a validated wiring: edges in declaration order and stages in
// topological order.
type plan struct {
	nodes    map[string]nodeKind
	edges    []edge
	order    []string
	upstream map[string][]string
	caps     map[string]OutputCaps
	warnings []string
}

// Validate checks a pipeline's wiring without constructing anything and
// returns warnings for parts that can never produce or receive data.
func Validate(spec config.PipelineSpec) ([]string, error) {
	p, err := validate(spec)
	if err != nil {
		return nil, err
	}
	return p.warnings, nil
}

func validate(spec config.PipelineSpec) (*plan, error) {
	name := spec.Name
	if name == "" {
		return nil, model.ConfigError("", "pipeline name is empty")
	}
	if len(spec.Inputs) == 0 {
		return nil, model.ConfigError(name, "no inputs declared")
	}

	p := &plan{
		nodes:    map[string]nodeKind{},
		upstream: map[string][]string{},
		caps:     map[string]OutputCaps{},
	}

	declare := func(node string, kind nodeKind) error {
		if node == "" {
			return model.ConfigError(name, "%s with empty name", kind)
		}
		if prev, ok := p.nodes[node]; ok {
			return model.ConfigError(name, "%s %q already declared as %s", kind, node, prev)
		}
		p.nodes[node] = kind
		return nil
	}

	for _, in := range spec.Inputs {
		if err := declare(in, inputNode); err != nil {
			return nil, err
		}
		if _, ok := lookupInput(in); !ok {
			return nil, model.ConfigError(name, "unknown input kind %q", in)
		}
	}

	for _, infer := range spec.Infers {
		if err := declare(infer.Name, stageNode); err != nil {
			return nil, err
		}
		if _, ok := lookupStage(infer.Kind()); !ok {
			return nil, model.ConfigError(name, "stage %q: unknown type %q", infer.Name, infer.Kind())
		}
		if infer.Model == "" {
			return nil, model.ConfigError(name, "stage %q: model not set", infer.Name)
		}
		if infer.Batch <= 0 {
			return nil, model.ConfigError(name, "stage %q: batch must be positive, got %d", infer.Name, infer.Batch)
		}
		if infer.ConfidenceThreshold < 0 || infer.ConfidenceThreshold > 1 {
			return nil, model.ConfigError(name, "stage %q: confidence_threshold %v outside [0,1]", infer.Name, infer.ConfidenceThreshold)
		}
	}

	for _, out := range spec.Outputs {
		if err := declare(out, outputNode); err != nil {
			return nil, err
		}
		entry, ok := lookupOutput(out)
		if !ok {
			return nil, model.ConfigError(name, "unknown output kind %q", out)
		}
		p.caps[out] = entry.caps
	}

	seen := map[edge]bool{}
	stageEdges := map[string][]string{}
	for _, c := range spec.Connects {
		leftKind, ok := p.nodes[c.Left]
		if !ok {
			return nil, model.ConfigError(name, "edge %q: unknown producer", c.Left)
		}
		if leftKind == outputNode {
			return nil, model.ConfigError(name, "edge %q: output cannot produce", c.Left)
		}
		if len(c.Right) == 0 {
			return nil, model.ConfigError(name, "edge %q: no consumers", c.Left)
		}

		for _, right := range c.Right {
			e := edge{left: c.Left, right: right}
			label := fmt.Sprintf("%s -> %s", c.Left, right)

			rightKind, ok := p.nodes[right]
			if !ok {
				return nil, model.ConfigError(name, "edge %q: unknown consumer %q", label, right)
			}
			if rightKind == inputNode {
				return nil, model.ConfigError(name, "edge %q: input cannot consume", label)
			}
			if seen[e] {
				return nil, model.ConfigError(name, "edge %q: declared twice", label)
			}
			seen[e] = true

			if rightKind == outputNode {
				caps := p.caps[right]
				if leftKind == inputNode && !caps.Frames {
					return nil, model.ConfigError(name, "edge %q: output %q accepts results only, not frames", label, right)
				}
				if leftKind == stageNode && !caps.Results {
					return nil, model.ConfigError(name, "edge %q: output %q accepts frames only, not results", label, right)
				}
			}
			if leftKind == stageNode && rightKind == stageNode {
				if c.Left == right {
					return nil, model.ConfigError(name, "edge %q: stage feeds itself", label)
				}
				stageEdges[c.Left] = append(stageEdges[c.Left], right)
				p.upstream[right] = append(p.upstream[right], c.Left)
			}
			p.edges = append(p.edges, e)
		}
	}

	order, err := topoOrder(spec, stageEdges, p.upstream)
	if err != nil {
		return nil, err
	}
	p.order = order
	p.warnings = reachability(spec, p)
	return p, nil
}

// topoOrder sorts stages so every producer precedes its consumers, breaking
// ties by declaration order.
func topoOrder(spec config.PipelineSpec, downstream, upstream map[string][]string) ([]string, error) {
	indegree := map[string]int{}
	for _, infer := range spec.Infers {
		indegree[infer.Name] = len(upstream[infer.Name])
	}

	order := make([]string, 0, len(spec.Infers))
	done := map[string]bool{}
	for len(order) < len(spec.Infers) {
		progressed := false
		for _, infer := range spec.Infers {
			if done[infer.Name] || indegree[infer.Name] > 0 {
				continue
			}
			done[infer.Name] = true
			order = append(order, infer.Name)
			for _, next := range downstream[infer.Name] {
				indegree[next]--
			}
			progressed = true
		}
		if !progressed {
			var cyclic []string
			for _, infer := range spec.Infers {
				if !done[infer.Name] {
					cyclic = append(cyclic, infer.Name)
				}
			}
			return nil, model.ConfigError(spec.Name, "stages %v form a cycle", cyclic)
		}
	}
	return order, nil
}

func reachability(spec config.PipelineSpec, p *plan) []string {
	reached := map[string]bool{}
	for _, in := range spec.Inputs {
		reached[in] = true
	}
	for changed := true; changed; {
		changed = false
		for _, e := range p.edges {
			if reached[e.left] && !reached[e.right] {
				reached[e.right] = true
				changed = true
			}
		}
	}

	var warnings []string
	for _, infer := range spec.Infers {
		if !reached[infer.Name] {
			warnings = append(warnings, fmt.Sprintf("stage %q is not reachable from any input", infer.Name))
		}
	}
	for _, out := range spec.Outputs {
		connected := slices.ContainsFunc(p.edges, func(e edge) bool { return e.right == out })
		if !connected {
			warnings = append(warnings, fmt.Sprintf("output %q is not connected", out))
		}
	}
	return warnings
}
