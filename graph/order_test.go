package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	nodeflow "nodeflow"
)

func mkNodes(ids ...string) []nodeflow.Node {
	out := make([]nodeflow.Node, len(ids))
	for i, id := range ids {
		out[i] = nodeflow.Node{ID: id, Type: nodeflow.NodeTypeHTTPRequest}
	}
	return out
}

func conn(from, to string) nodeflow.Connection {
	return nodeflow.Connection{FromNodeID: from, ToNodeID: to}
}

func ids(nodes []nodeflow.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestOrderNoConnectionsKeepsInputOrder(t *testing.T) {
	nodes := mkNodes("c", "a", "b")
	got, err := Order(nodes, nil)
	if err != nil {
		t.Fatalf("Order returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderLinearChain(t *testing.T) {
	nodes := mkNodes("b", "a")
	nodes[1].Type = nodeflow.NodeTypeManualTrigger
	got, err := Order(nodes, []nodeflow.Connection{conn("a", "b")})
	if err != nil {
		t.Fatalf("Order returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderCycle(t *testing.T) {
	nodes := mkNodes("a", "b")
	got, err := Order(nodes, []nodeflow.Connection{conn("a", "b"), conn("b", "a")})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if got != nil {
		t.Fatalf("cycle must not produce a partial result, got %v", ids(got))
	}
	if !errors.Is(err, nodeflow.ErrCycle) {
		t.Fatalf("error should wrap ErrCycle, got %v", err)
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if err.Error() != "workflow contains a cycle" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if nodeflow.IsRetriable(err) {
		t.Fatal("cycle errors must not be retriable")
	}
}

func TestOrderIsolatedNodeIncludedOnce(t *testing.T) {
	nodes := mkNodes("a", "b", "c")
	connections := []nodeflow.Connection{conn("a", "b")}

	first, err := Order(nodes, connections)
	if err != nil {
		t.Fatalf("Order returned error: %v", err)
	}
	count := 0
	for _, n := range first {
		if n.ID == "c" {
			count++
		}
	}
	if count != 1 || len(first) != 3 {
		t.Fatalf("expected c exactly once in 3 nodes, got %v", ids(first))
	}

	for i := 0; i < 20; i++ {
		again, err := Order(nodes, connections)
		if err != nil {
			t.Fatalf("Order returned error: %v", err)
		}
		if diff := cmp.Diff(ids(first), ids(again)); diff != "" {
			t.Fatalf("order is not deterministic (-first +again):\n%s", diff)
		}
	}
}

func TestOrderDropsUnknownIDs(t *testing.T) {
	nodes := mkNodes("a", "b")
	got, err := Order(nodes, []nodeflow.Connection{conn("a", "ghost"), conn("ghost", "b")})
	if err != nil {
		t.Fatalf("Order returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderDuplicateEdges(t *testing.T) {
	nodes := mkNodes("a", "b")
	got, err := Order(nodes, []nodeflow.Connection{conn("a", "b"), conn("a", "b")})
	if err != nil {
		t.Fatalf("Order returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderTiesFollowInputPosition(t *testing.T) {
	nodes := mkNodes("root", "z", "y", "x")
	connections := []nodeflow.Connection{conn("root", "x"), conn("root", "y"), conn("root", "z")}
	got, err := Order(nodes, connections)
	if err != nil {
		t.Fatalf("Order returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"root", "z", "y", "x"}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

// Random DAGs: edges only go from lower to higher index of a shuffled
// permutation, so the graph is acyclic by construction.
func TestOrderRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(12)
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("n%d", i)
		}
		perm := rng.Perm(n)

		var connections []nodeflow.Connection
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Intn(4) == 0 {
					connections = append(connections, conn(names[perm[i]], names[perm[j]]))
				}
			}
		}

		nodes := mkNodes(names...)
		rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

		got, err := Order(nodes, connections)
		if err != nil {
			t.Fatalf("round %d: unexpected error %v", round, err)
		}
		if len(got) != n {
			t.Fatalf("round %d: got %d nodes, want %d", round, len(got), n)
		}
		pos := make(map[string]int, n)
		for i, node := range got {
			if _, dup := pos[node.ID]; dup {
				t.Fatalf("round %d: node %s appears twice", round, node.ID)
			}
			pos[node.ID] = i
		}
		for _, c := range connections {
			if pos[c.FromNodeID] >= pos[c.ToNodeID] {
				t.Fatalf("round %d: edge %s->%s violated in %v", round, c.FromNodeID, c.ToNodeID, ids(got))
			}
		}
	}
}

func TestOrderRandomCycles(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 100; round++ {
		n := 2 + rng.Intn(8)
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("n%d", i)
		}
		var connections []nodeflow.Connection
		for i := 0; i+1 < n; i++ {
			connections = append(connections, conn(names[i], names[i+1]))
		}
		back := rng.Intn(n - 1)
		connections = append(connections, conn(names[n-1], names[back]))

		got, err := Order(mkNodes(names...), connections)
		if err == nil || got != nil {
			t.Fatalf("round %d: expected cycle error and no result, got %v, %v", round, got, err)
		}
	}
}
