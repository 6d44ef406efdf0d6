// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"fmt"
	"strings"

	"github.com/heimdalr/dag"
)

// depVertex adapts a pending request or resource into a
// heimdalr/dag.IDInterface vertex so the dependency snapshot can reuse
// that package's cycle detection rather than hand-rolling graph
// bookkeeping; this is off the hot path (the tick algorithm never
// consults it), it exists purely for introspection/debugging, grounded
// on how the go-ethereum checkout in the retrieved pack pulls in the same
// library for ordered, cycle-checked task graphs.
type depVertex struct {
	id  string
	req *Request
}

func (v *depVertex) ID() string { return v.id }

// DependencyGraph builds a snapshot of every currently pending request's
// resource dependencies as a DAG, for introspection or DOT export. It is
// rebuilt on demand, never maintained incrementally, since Loop's own
// scheduling does not need a traversable graph structure at runtime.
type DependencyGraph struct {
	g     *dag.DAG
	edges [][2]string
}

// Snapshot walks every request currently blocked on a resource (the
// BLOCKED state lives solely in the resource registry's waiter FIFOs, not
// in any timeline — see resource.go's waitingRequests) and returns a
// DependencyGraph connecting each request to the resource ids it depends
// on.
func (l *Loop) Snapshot() (*DependencyGraph, error) {
	g := dag.NewDAG()
	dg := &DependencyGraph{g: g}
	resourceVertex := func(id ResourceID) string { return fmt.Sprintf("resource:%d", id) }
	known := make(map[string]bool)

	for _, lr := range l.resources.waitingRequests() {
		rv := &depVertex{id: fmt.Sprintf("request:%s", lr.request.CorrelationID), req: lr.request}
		if !known[rv.id] {
			if _, err := g.AddVertex(rv); err != nil {
				return nil, err
			}
			known[rv.id] = true
		}
		for _, dep := range lr.request.Deps {
			rid := resourceVertex(dep)
			if !known[rid] {
				if _, err := g.AddVertex(&depVertex{id: rid}); err != nil {
					return nil, err
				}
				known[rid] = true
			}
			if err := g.AddEdge(rv.id, rid); err != nil {
				return nil, err
			}
			dg.edges = append(dg.edges, [2]string{rv.id, rid})
		}
	}
	return dg, nil
}

// DOT renders the snapshot in minimal Graphviz DOT form. heimdalr/dag
// itself only exposes traversal and cycle-detection, not a DOT
// serializer, so the edge list collected during Snapshot is rendered
// directly here.
func (d *DependencyGraph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph deps {\n")
	for _, e := range d.edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e[0], e[1])
	}
	b.WriteString("}\n")
	return b.String()
}

// Order returns the number of vertices in the snapshot, delegating to
// heimdalr/dag's own bookkeeping.
func (d *DependencyGraph) Order() int {
	return d.g.GetOrder()
}
