// Package workflow builds the ComfyUI execution graph for image-to-video jobs.
//
// A graph maps node IDs to nodes. Node inputs are either literal values or
// links to an output slot of another node. Only the inputs this package fills
// in are typed; everything else is passed to the backend untouched.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Static errors for graph checks.
var (
	// ErrDanglingLink is returned when a link references a missing node.
	ErrDanglingLink = errors.New("workflow: link references unknown node")
	// ErrCycle is returned when node links form a cycle.
	ErrCycle = errors.New("workflow: graph contains a cycle")
	// ErrInvalidLink is returned when a link cannot be decoded.
	ErrInvalidLink = errors.New("workflow: invalid link")
)

// Link references output slot Slot of node NodeID.
// On the wire it is the two element array [NodeID, Slot].
type Link struct {
	NodeID string
	Slot   int
}

// L is shorthand for building a Link.
func L(nodeID string, slot int) Link {
	return Link{NodeID: nodeID, Slot: slot}
}

// MarshalJSON encodes the link as [node_id, slot].
func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.NodeID, l.Slot})
}

// UnmarshalJSON decodes [node_id, slot].
func (l *Link) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) != 2 {
		return fmt.Errorf("%w: %s", ErrInvalidLink, string(data))
	}
	if err := json.Unmarshal(pair[0], &l.NodeID); err != nil {
		return fmt.Errorf("%w: node id: %s", ErrInvalidLink, string(pair[0]))
	}
	if err := json.Unmarshal(pair[1], &l.Slot); err != nil {
		return fmt.Errorf("%w: slot: %s", ErrInvalidLink, string(pair[1]))
	}
	return nil
}

// Meta is display metadata shown by the ComfyUI editor.
type Meta struct {
	Title string `json:"title"`
}

// Node is a single processing step of a graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      *Meta          `json:"_meta,omitempty"`
}

// Graph is an execution graph keyed by node ID.
type Graph map[string]Node

// Encode marshals the graph. Map keys are sorted, so equal graphs encode to equal bytes.
func (g Graph) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode graph: %w", err)
	}
	return data, nil
}

// Validate checks that every link resolves to an existing node and that the graph is acyclic.
func (g Graph) Validate() error {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, dep := range g.links(id) {
			if _, ok := g[dep.NodeID]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrDanglingLink, id, dep.NodeID)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: at node %s", ErrCycle, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range g.links(id) {
			if err := visit(dep.NodeID); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// links returns the upstream references of a node.
func (g Graph) links(id string) []Link {
	var out []Link
	for _, v := range g[id].Inputs {
		switch l := v.(type) {
		case Link:
			out = append(out, l)
		case *Link:
			out = append(out, *l)
		}
	}
	return out
}
