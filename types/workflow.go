package types

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Edge is a directed, token-typed capital flow between two nodes.
type Edge struct {
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`
	Token    string `json:"token"`
	Amount   Amount `json:"amount"`
}

// Workflow is a strategy graph. The engine assumes it has already passed
// structural and semantic validation: ids unique, edges reference known
// nodes, and cycles only among periodically-triggered nodes.
type Workflow struct {
	Name  string `json:"name"`
	Nodes []Node `json:"-"`
	Edges []Edge `json:"edges"`
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) Node {
	for _, n := range w.Nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// IncomingEdges returns the edges targeting the given node, in
// definition order.
func (w *Workflow) IncomingEdges(id string) []Edge {
	var edges []Edge
	for _, e := range w.Edges {
		if e.ToNode == id {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutgoingEdges returns the edges originating at the given node, in
// definition order.
func (w *Workflow) OutgoingEdges(id string) []Edge {
	var edges []Edge
	for _, e := range w.Edges {
		if e.FromNode == id {
			edges = append(edges, e)
		}
	}
	return edges
}

type workflowJSON struct {
	Name  string            `json:"name"`
	Nodes []json.RawMessage `json:"nodes"`
	Edges []Edge            `json:"edges"`
}

func (w *Workflow) UnmarshalJSON(data []byte) error {
	var in workflowJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Trace(err)
	}
	nodes := make([]Node, 0, len(in.Nodes))
	for _, raw := range in.Nodes {
		node, err := DecodeNode(raw)
		if err != nil {
			return errors.Trace(err)
		}
		nodes = append(nodes, node)
	}
	w.Name = in.Name
	w.Nodes = nodes
	w.Edges = in.Edges
	return nil
}

func (w Workflow) MarshalJSON() ([]byte, error) {
	out := workflowJSON{Name: w.Name, Edges: w.Edges}
	for _, node := range w.Nodes {
		raw, err := EncodeNode(node)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out.Nodes = append(out.Nodes, raw)
	}
	return json.Marshal(out)
}
