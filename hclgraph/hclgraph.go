// Package hclgraph reads and writes workflow graphs as HCL:
//
//	workflow "lead-router" {
//	  name  = "Lead router"
//	  owner = "user-1"
//
//	  node "trigger" {
//	    type = "MANUAL_TRIGGER"
//	  }
//
//	  node "fetch" {
//	    type = "HTTP_REQUEST"
//	    data = {
//	      variableName = "todo"
//	      endpoint     = "https://x/{{trigger.id}}"
//	    }
//	  }
//
//	  connection {
//	    from = "trigger"
//	    to   = "fetch"
//	  }
//	}
package hclgraph

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	nodeflow "nodeflow"
)

type fileRoot struct {
	Workflows []*workflowBlock `hcl:"workflow,block"`
}

type workflowBlock struct {
	ID          string             `hcl:"id,label"`
	Name        string             `hcl:"name,optional"`
	Owner       string             `hcl:"owner,optional"`
	Nodes       []*nodeBlock       `hcl:"node,block"`
	Connections []*connectionBlock `hcl:"connection,block"`
}

type nodeBlock struct {
	ID   string    `hcl:"id,label"`
	Type string    `hcl:"type"`
	Data cty.Value `hcl:"data,optional"`
}

type connectionBlock struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// ParseFile reads one workflow from an HCL file.
func ParseFile(path string) (*nodeflow.Workflow, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src, path)
}

// Parse decodes src, which must contain exactly one workflow block.
// filename is used in diagnostics.
func Parse(src []byte, filename string) (*nodeflow.Workflow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if len(root.Workflows) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one workflow block, found %d", filename, len(root.Workflows))
	}
	return translate(root.Workflows[0])
}

func translate(b *workflowBlock) (*nodeflow.Workflow, error) {
	wf := &nodeflow.Workflow{ID: b.ID, Name: b.Name, OwnerID: b.Owner}
	for _, nb := range b.Nodes {
		node := nodeflow.Node{ID: nb.ID, Type: nodeflow.NodeType(nb.Type)}
		if !node.Type.Valid() {
			return nil, fmt.Errorf("node %q: unknown type %q", nb.ID, nb.Type)
		}
		if !nb.Data.IsNull() {
			native, err := ctyToNative(nb.Data)
			if err != nil {
				return nil, fmt.Errorf("node %q data: %w", nb.ID, err)
			}
			data, ok := native.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("node %q data must be an object", nb.ID)
			}
			node.Data = data
		}
		wf.Nodes = append(wf.Nodes, node)
	}
	for _, cb := range b.Connections {
		wf.Connections = append(wf.Connections, nodeflow.Connection{FromNodeID: cb.From, ToNodeID: cb.To})
	}
	return wf, nil
}

// Encode renders wf as HCL that Parse reads back to the same graph.
func Encode(wf *nodeflow.Workflow) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	block := f.Body().AppendNewBlock("workflow", []string{wf.ID})
	body := block.Body()
	if wf.Name != "" {
		body.SetAttributeValue("name", cty.StringVal(wf.Name))
	}
	if wf.OwnerID != "" {
		body.SetAttributeValue("owner", cty.StringVal(wf.OwnerID))
	}

	for _, n := range wf.Nodes {
		body.AppendNewline()
		nb := body.AppendNewBlock("node", []string{n.ID}).Body()
		nb.SetAttributeValue("type", cty.StringVal(string(n.Type)))
		if len(n.Data) > 0 {
			data, err := toCty(n.Data)
			if err != nil {
				return nil, fmt.Errorf("node %q data: %w", n.ID, err)
			}
			nb.SetAttributeValue("data", data)
		}
	}
	for _, c := range wf.Connections {
		body.AppendNewline()
		cb := body.AppendNewBlock("connection", nil).Body()
		cb.SetAttributeValue("from", cty.StringVal(c.FromNodeID))
		cb.SetAttributeValue("to", cty.StringVal(c.ToNodeID))
	}
	return hclwrite.Format(f.Bytes()), nil
}
