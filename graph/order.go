package graph

import (
	"container/heap"

	nodeflow "nodeflow"
)

// CycleError reports that the connection set is not a DAG.
type CycleError struct {
	// NodeIDs are the nodes left unresolved by the sort, in input order.
	NodeIDs []string
}

func (e *CycleError) Error() string {
	return nodeflow.ErrCycle.Error()
}

func (e *CycleError) Unwrap() error {
	return nodeflow.ErrCycle
}

type edge struct {
	from, to string
}

// Order returns nodes in an order where every connection's source precedes
// its target. Nodes without any connection are still included. Ties are
// broken by position in the input slice so the result is deterministic.
func Order(nodes []nodeflow.Node, connections []nodeflow.Connection) ([]nodeflow.Node, error) {
	if len(connections) == 0 {
		return nodes, nil
	}

	edges := make([]edge, 0, len(connections)+len(nodes))
	connected := make(map[string]bool, len(nodes))
	for _, c := range connections {
		edges = append(edges, edge{from: c.FromNodeID, to: c.ToNodeID})
		connected[c.FromNodeID] = true
		connected[c.ToNodeID] = true
	}
	// Isolated nodes are represented by a self-loop so they appear in the
	// sorted id list; the loop is removed again before sorting.
	for _, n := range nodes {
		if !connected[n.ID] {
			edges = append(edges, edge{from: n.ID, to: n.ID})
		}
	}

	ids, err := sortIDs(nodes, edges)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]nodeflow.Node, len(nodes))
	for _, n := range nodes {
		if _, seen := byID[n.ID]; !seen {
			byID[n.ID] = n
		}
	}
	ordered := make([]nodeflow.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			ordered = append(ordered, n)
		}
	}
	return ordered, nil
}

// sortIDs runs Kahn's algorithm over the edge set. Ids that only appear in
// edges (no matching node) are ranked after known nodes in first-seen order.
func sortIDs(nodes []nodeflow.Node, edges []edge) ([]string, error) {
	rank := make(map[string]int, len(nodes))
	var ids []string
	addID := func(id string) {
		if _, ok := rank[id]; ok {
			return
		}
		rank[id] = len(ids)
		ids = append(ids, id)
	}
	for _, n := range nodes {
		addID(n.ID)
	}
	for _, e := range edges {
		addID(e.from)
		addID(e.to)
	}

	indeg := make(map[string]int, len(ids))
	out := make(map[string][]string, len(ids))
	seen := make(map[edge]bool, len(edges))
	for _, e := range edges {
		if e.from == e.to || seen[e] {
			continue
		}
		seen[e] = true
		out[e.from] = append(out[e.from], e.to)
		indeg[e.to]++
	}

	ready := newRankQueue(rank)
	for _, id := range ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, next := range out[id] {
			indeg[next]--
			if indeg[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if indeg[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{NodeIDs: stuck}
	}
	return order, nil
}

// rankQueue is a min-heap of ids keyed by their input position.
type rankQueue struct {
	rank  map[string]int
	items []string
}

func newRankQueue(rank map[string]int) *rankQueue {
	return &rankQueue{rank: rank}
}

func (q *rankQueue) Len() int           { return len(q.items) }
func (q *rankQueue) Less(i, j int) bool { return q.rank[q.items[i]] < q.rank[q.items[j]] }
func (q *rankQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *rankQueue) Push(x any)         { q.items = append(q.items, x.(string)) }

func (q *rankQueue) Pop() any {
	last := len(q.items) - 1
	id := q.items[last]
	q.items = q.items[:last]
	return id
}
