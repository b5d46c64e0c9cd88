// Package dsl parses a line-oriented workflow script into a graph:
//
//	workflow lead-router owner=user-1 name="Lead router"
//	node trigger = manual
//	node fetch = http variableName=todo endpoint="https://x/{{trigger.id}}"
//	node notify = slack variableName=sent webhookUrl=https://hooks/... content="{{todo.httpResponse.data.title}}"
//	connect trigger -> fetch -> notify
//
// Blank lines and lines starting with # are ignored. Node arguments are
// key=value pairs stored as string data.
package dsl

import (
	"bufio"
	"fmt"
	"strings"
	"unicode"

	nodeflow "nodeflow"
	"nodeflow/graph"
)

var typeAliases = map[string]nodeflow.NodeType{
	"initial":   nodeflow.NodeTypeInitial,
	"manual":    nodeflow.NodeTypeManualTrigger,
	"form":      nodeflow.NodeTypeFormTrigger,
	"stripe":    nodeflow.NodeTypePaymentTrigger,
	"http":      nodeflow.NodeTypeHTTPRequest,
	"openai":    nodeflow.NodeTypeOpenAI,
	"anthropic": nodeflow.NodeTypeAnthropic,
	"gemini":    nodeflow.NodeTypeGemini,
	"discord":   nodeflow.NodeTypeDiscord,
	"slack":     nodeflow.NodeTypeSlack,
}

// ResolveType accepts a short alias ("http") or a full type name
// ("HTTP_REQUEST").
func ResolveType(name string) (nodeflow.NodeType, error) {
	if t, ok := typeAliases[strings.ToLower(name)]; ok {
		return t, nil
	}
	t := nodeflow.NodeType(strings.ToUpper(name))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported node type %q", name)
	}
	return t, nil
}

type parser struct {
	wf    nodeflow.Workflow
	seen  map[string]bool
	edges map[nodeflow.Connection]bool
}

// Parse builds a workflow from script and validates it with policy.
func Parse(script string, policy graph.Policy) (*nodeflow.Workflow, []graph.Warning, error) {
	p := &parser{seen: make(map[string]bool), edges: make(map[nodeflow.Connection]bool)}
	if err := p.parse(script); err != nil {
		return nil, nil, err
	}
	if len(p.wf.Nodes) == 0 {
		return nil, nil, fmt.Errorf("no nodes defined in script")
	}
	warnings, err := graph.Validate(p.wf.Nodes, p.wf.Connections, policy)
	if err != nil {
		return nil, nil, err
	}
	return &p.wf, warnings, nil
}

func (p *parser) parse(script string) error {
	scanner := bufio.NewScanner(strings.NewReader(script))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		tokens, err := tokenizeLine(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "workflow":
			err = p.parseWorkflow(tokens)
		case "node":
			err = p.parseNode(tokens)
		case "connect":
			err = p.parseConnect(tokens)
		default:
			err = fmt.Errorf("unsupported directive %q", tokens[0])
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	return scanner.Err()
}

func (p *parser) parseWorkflow(tokens []string) error {
	if len(tokens) < 2 {
		return fmt.Errorf("workflow directive expects an id")
	}
	if p.wf.ID != "" {
		return fmt.Errorf("workflow declared twice")
	}
	p.wf.ID = tokens[1]
	positional, named := splitArgs(tokens[2:])
	if len(positional) > 0 {
		return fmt.Errorf("unexpected workflow argument %q", positional[0])
	}
	for key, value := range named {
		switch key {
		case "name":
			p.wf.Name = value
		case "owner":
			p.wf.OwnerID = value
		default:
			return fmt.Errorf("unknown workflow attribute %q", key)
		}
	}
	return nil
}

func (p *parser) parseNode(tokens []string) error {
	if len(tokens) < 4 || tokens[2] != "=" {
		return fmt.Errorf("invalid node definition, expected `node <id> = <type> key=value ...`")
	}
	id := tokens[1]
	if p.seen[id] {
		return fmt.Errorf("node %q already defined", id)
	}
	nodeType, err := ResolveType(tokens[3])
	if err != nil {
		return err
	}
	positional, named := splitArgs(tokens[4:])
	if len(positional) > 0 {
		return fmt.Errorf("node %q: expected key=value, got %q", id, positional[0])
	}

	node := nodeflow.Node{ID: id, Type: nodeType}
	if len(named) > 0 {
		node.Data = make(map[string]any, len(named))
		for k, v := range named {
			node.Data[k] = v
		}
	}
	p.seen[id] = true
	p.wf.Nodes = append(p.wf.Nodes, node)
	return nil
}

// parseConnect accepts `connect a b`, `connect a -> b` and chains such as
// `connect a -> b -> c`.
func (p *parser) parseConnect(tokens []string) error {
	var chain []string
	for i, tok := range tokens[1:] {
		if tok == "->" {
			if i == 0 || i == len(tokens)-2 {
				return fmt.Errorf("dangling -> in connect")
			}
			continue
		}
		chain = append(chain, tok)
	}
	if len(chain) < 2 {
		return fmt.Errorf("connect directive requires a source and a target node")
	}
	for i := 0; i+1 < len(chain); i++ {
		c := nodeflow.Connection{FromNodeID: chain[i], ToNodeID: chain[i+1]}
		for _, id := range []string{c.FromNodeID, c.ToNodeID} {
			if !p.seen[id] {
				return fmt.Errorf("connect references undefined node %q", id)
			}
		}
		if p.edges[c] {
			continue
		}
		p.edges[c] = true
		p.wf.Connections = append(p.wf.Connections, c)
	}
	return nil
}

func splitArgs(args []string) (positional []string, named map[string]string) {
	named = make(map[string]string)
	for _, arg := range args {
		if idx := strings.Index(arg, "="); idx > 0 {
			named[arg[:idx]] = arg[idx+1:]
			continue
		}
		positional = append(positional, arg)
	}
	return positional, named
}

func tokenizeLine(line string) ([]string, error) {
	var tokens []string
	var buf strings.Builder
	inQuote := false
	escaping := false

	for _, r := range line {
		switch {
		case escaping:
			buf.WriteRune(r)
			escaping = false
		case r == '\\':
			escaping = true
		case r == '"':
			if inQuote {
				tokens = append(tokens, buf.String())
				buf.Reset()
			}
			inQuote = !inQuote
		case unicode.IsSpace(r) && !inQuote:
			if buf.Len() > 0 {
				tokens = append(tokens, buf.String())
				buf.Reset()
			}
		default:
			buf.WriteRune(r)
		}
	}

	if escaping {
		return nil, fmt.Errorf("unfinished escape sequence")
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	if buf.Len() > 0 {
		tokens = append(tokens, buf.String())
	}
	return tokens, nil
}
