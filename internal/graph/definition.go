// Package graph implements the YAML-defined workflow graph runtime: loading
// and validating definitions, executing nodes, tracking tokens and surfacing
// workspace artifacts.
package graph

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node types understood by the executor.
const (
	NodeAgent  = "agent"
	NodeTool   = "tool"
	NodeHuman  = "human"
	NodeRouter = "router"
)

var knownNodeTypes = map[string]bool{
	NodeAgent:  true,
	NodeTool:   true,
	NodeHuman:  true,
	NodeRouter: true,
}

// NodeDef is one node of a workflow graph definition.
type NodeDef struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Name   string         `yaml:"name,omitempty"`
	Prompt string         `yaml:"prompt,omitempty"`
	Task   string         `yaml:"task,omitempty"`
	Tool   string         `yaml:"tool,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// EdgeDef connects two nodes. When lets router nodes pick a branch by
// substring match against the node output.
type EdgeDef struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	When string `yaml:"when,omitempty"`
}

// GraphSpec is the graph section of a definition file.
type GraphSpec struct {
	ID       string    `yaml:"id"`
	Nodes    []NodeDef `yaml:"nodes"`
	Edges    []EdgeDef `yaml:"edges,omitempty"`
	LogLevel string    `yaml:"log_level,omitempty"`
}

// Definition is a parsed workflow file.
type Definition struct {
	Graph GraphSpec      `yaml:"graph"`
	Vars  map[string]any `yaml:"vars,omitempty"`
}

// ParseDefinition decodes a YAML document into a definition without
// validating it.
func ParseDefinition(content []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("invalid YAML syntax: %w", err)
	}
	return &def, nil
}

// Check validates the definition and returns every problem found.
func (d *Definition) Check() []string {
	var problems []string
	if len(d.Graph.Nodes) == 0 {
		return append(problems, "graph has no nodes")
	}
	if strings.TrimSpace(d.Graph.ID) == "" {
		problems = append(problems, "graph.id is required")
	}

	ids := make(map[string]bool, len(d.Graph.Nodes))
	for _, node := range d.Graph.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if ids[node.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", node.ID))
		}
		ids[node.ID] = true
		if !knownNodeTypes[node.Type] {
			problems = append(problems, fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type))
		}
	}

	incoming := make(map[string]int)
	for _, edge := range d.Graph.Edges {
		if !ids[edge.From] {
			problems = append(problems, fmt.Sprintf("edge references unknown node %q", edge.From))
		}
		if !ids[edge.To] {
			problems = append(problems, fmt.Sprintf("edge references unknown node %q", edge.To))
		}
		incoming[edge.To]++
	}

	var starts int
	for _, node := range d.Graph.Nodes {
		if incoming[node.ID] == 0 {
			starts++
		}
	}
	if starts != 1 && len(d.Graph.Edges) > 0 {
		problems = append(problems, fmt.Sprintf("graph must have exactly one start node, found %d", starts))
	}

	return problems
}

// StartNode returns the single node without incoming edges.
func (d *Definition) StartNode() *NodeDef {
	incoming := make(map[string]int)
	for _, edge := range d.Graph.Edges {
		incoming[edge.To]++
	}
	for i := range d.Graph.Nodes {
		if incoming[d.Graph.Nodes[i].ID] == 0 {
			return &d.Graph.Nodes[i]
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(id string) *NodeDef {
	for i := range d.Graph.Nodes {
		if d.Graph.Nodes[i].ID == id {
			return &d.Graph.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns edges leaving the given node, in definition order.
func (d *Definition) OutgoingEdges(id string) []EdgeDef {
	var out []EdgeDef
	for _, edge := range d.Graph.Edges {
		if edge.From == id {
			out = append(out, edge)
		}
	}
	return out
}

// HasHumanNodes reports whether any node requires live user interaction.
func (d *Definition) HasHumanNodes() bool {
	for _, node := range d.Graph.Nodes {
		if node.Type == NodeHuman {
			return true
		}
	}
	return false
}
