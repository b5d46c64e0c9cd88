package hclgraph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	nodeflow "nodeflow"
)

const leadRouter = `
workflow "lead-router" {
  name  = "Lead router"
  owner = "user-1"

  node "trigger" {
    type = "MANUAL_TRIGGER"
  }

  node "fetch" {
    type = "HTTP_REQUEST"
    data = {
      variableName = "todo"
      endpoint     = "https://x/{{trigger.id}}"
      method       = "POST"
      body         = "{\"id\": {{trigger.id}}}"
      retries      = 2
      tags         = ["a", "b"]
      nested       = { enabled = true, nothing = null }
    }
  }

  connection {
    from = "trigger"
    to   = "fetch"
  }
}
`

func TestParse(t *testing.T) {
	wf, err := Parse([]byte(leadRouter), "lead.hcl")
	require.NoError(t, err)

	want := &nodeflow.Workflow{
		ID:      "lead-router",
		Name:    "Lead router",
		OwnerID: "user-1",
		Nodes: []nodeflow.Node{
			{ID: "trigger", Type: nodeflow.NodeTypeManualTrigger},
			{ID: "fetch", Type: nodeflow.NodeTypeHTTPRequest, Data: map[string]any{
				"variableName": "todo",
				"endpoint":     "https://x/{{trigger.id}}",
				"method":       "POST",
				"body":         `{"id": {{trigger.id}}}`,
				"retries":      float64(2),
				"tags":         []any{"a", "b"},
				"nested":       map[string]any{"enabled": true, "nothing": nil},
			}},
		},
		Connections: []nodeflow.Connection{{FromNodeID: "trigger", ToNodeID: "fetch"}},
	}
	if diff := cmp.Diff(want, wf); diff != "" {
		t.Fatalf("workflow mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	wf, err := Parse([]byte(leadRouter), "lead.hcl")
	require.NoError(t, err)
	wf.Nodes[1].Data["template"] = "${not hcl} and %{ nor this }"

	src, err := Encode(wf)
	require.NoError(t, err)

	again, err := Parse(src, "encoded.hcl")
	require.NoError(t, err, string(src))
	if diff := cmp.Diff(wf, again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s\n%s", diff, src)
	}
}

func TestParseErrors(t *testing.T) {
	node := func(body string) string {
		return "workflow \"a\" {\n  node \"n\" {\n" + body + "\n  }\n}\n"
	}
	cases := map[string]string{
		"syntax":        `workflow "x" {`,
		"no workflow":   ``,
		"two workflows": "workflow \"a\" {\n}\nworkflow \"b\" {\n}\n",
		"unknown type":  node(`type = "TELEPORT"`),
		"data not map":  node("type = \"SLACK\"\ndata = \"text\""),
		"missing type":  node(""),
		"variables":     node("type = \"SLACK\"\ndata = { content = var.x }"),
		"unknown attr":  node("type = \"SLACK\"\ncolor = \"red\""),
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src), name+".hcl")
			require.Error(t, err)
		})
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = fs.LoadGraph(ctx, "missing")
	require.ErrorIs(t, err, nodeflow.ErrNotFound)
	_, err = fs.LoadGraph(ctx, "../escape")
	require.Error(t, err)

	wf, err := Parse([]byte(leadRouter), "lead.hcl")
	require.NoError(t, err)
	require.NoError(t, fs.Put(wf))

	nodes := append(wf.Nodes, nodeflow.Node{ID: "notify", Type: nodeflow.NodeTypeSlack, Data: map[string]any{"variableName": "msg"}})
	conns := append(wf.Connections, nodeflow.Connection{FromNodeID: "fetch", ToNodeID: "notify"})
	require.NoError(t, fs.SaveGraph(ctx, "lead-router", nodes, conns))

	loaded, err := fs.LoadGraph(ctx, "lead-router")
	require.NoError(t, err)
	require.Equal(t, "Lead router", loaded.Name, "SaveGraph keeps workflow metadata")
	require.Len(t, loaded.Nodes, 3)
	require.Len(t, loaded.Connections, 2)

	require.NoError(t, fs.SaveGraph(ctx, "fresh", []nodeflow.Node{{ID: "t", Type: nodeflow.NodeTypeManualTrigger}}, nil))
	ids, err := fs.List()
	require.NoError(t, err)
	require.Equal(t, []string{"fresh", "lead-router"}, ids)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "renamed.hcl"), []byte(`workflow "other" {}`), 0o644))
	_, err = fs.LoadGraph(ctx, "renamed")
	require.Error(t, err)
}
