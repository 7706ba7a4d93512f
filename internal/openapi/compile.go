package openapi

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wudi/accesspoint/internal/config"
)

// ParamIn classifies where a tool argument lands on the wire.
type ParamIn string

const (
	InPath   ParamIn = "path"
	InQuery  ParamIn = "query"
	InHeader ParamIn = "header"
	InCookie ParamIn = "cookie"
	InBody   ParamIn = "body"
)

// Param is one entry of a binding's parameter map.
type Param struct {
	Name     string
	In       ParamIn
	Required bool
	Schema   map[string]any
}

// Binding ties a tool descriptor to the HTTP operation it invokes.
type Binding struct {
	ServiceID   string
	OperationID string
	Method      string
	URITemplate string
	Params      []Param
	// BodyInlined marks operations whose JSON body schema was merged into
	// the top level of the tool input schema; at call time the non-parameter
	// arguments form the body object.
	BodyInlined bool
	UpstreamID  string
	Headers     map[string]string
}

// Tool is a compiled MCP tool: the client-visible descriptor, the private
// binding and the compiled argument validator.
type Tool struct {
	Descriptor mcp.Tool
	Binding    Binding
	Schema     *jsonschema.Schema // nil when the input schema did not compile
}

// Compile transforms a parsed OpenAPI document into the owning MCP
// service's tool set.
func Compile(doc *openapi3.T, serviceID, upstreamID string) ([]*Tool, error) {
	var tools []*Tool
	if doc.Paths == nil {
		return tools, nil
	}

	// Stable iteration: sorted path, then sorted method.
	paths := doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, path := range pathKeys {
		item := paths[path]
		ops := item.Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			tool := compileOperation(ops[method], path, method, serviceID, upstreamID)
			tools = append(tools, tool)
		}
	}
	return tools, nil
}

func compileOperation(op *openapi3.Operation, path, method, serviceID, upstreamID string) *Tool {
	name := op.OperationID
	if name == "" {
		name = sanitizeName(method, path)
	}
	description := op.Summary
	if description == "" {
		description = op.Description
	}
	if description == "" {
		description = name
	}

	properties := map[string]any{}
	var required []string
	binding := Binding{
		ServiceID:   serviceID,
		OperationID: name,
		Method:      strings.ToUpper(method),
		URITemplate: path,
		UpstreamID:  upstreamID,
	}

	for _, pref := range op.Parameters {
		p := pref.Value
		if p == nil {
			continue
		}
		schema := inlineSchema(p.Schema, 0)
		if p.Description != "" {
			schema["description"] = p.Description
		}
		properties[p.Name] = schema

		req := p.Required || p.In == openapi3.ParameterInPath
		if req {
			required = append(required, p.Name)
		}
		binding.Params = append(binding.Params, Param{
			Name:     p.Name,
			In:       ParamIn(p.In),
			Required: req,
			Schema:   schema,
		})
	}

	if body := jsonBody(op); body != nil {
		bodySchema := inlineSchema(body.schema, 0)
		if canInline(bodySchema, properties) {
			binding.BodyInlined = true
			props, _ := bodySchema["properties"].(map[string]any)
			for n, s := range props {
				properties[n] = s
				binding.Params = append(binding.Params, Param{Name: n, In: InBody})
			}
			if reqs, ok := bodySchema["required"].([]any); ok {
				for _, r := range reqs {
					if s, ok := r.(string); ok {
						required = append(required, s)
					}
				}
			}
		} else {
			properties["body"] = bodySchema
			binding.Params = append(binding.Params, Param{Name: "body", In: InBody, Required: body.required, Schema: bodySchema})
			if body.required {
				required = append(required, "body")
			}
		}
	}

	sort.Strings(required)
	descriptor := mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}

	return &Tool{
		Descriptor: descriptor,
		Binding:    binding,
		Schema:     compileValidator(properties, required),
	}
}

type bodyInfo struct {
	schema   *openapi3.SchemaRef
	required bool
}

// jsonBody returns the operation's JSON request body, if any. Only the JSON
// variant is mapped; form-encoded alternatives are ignored.
func jsonBody(op *openapi3.Operation) *bodyInfo {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	rb := op.RequestBody.Value
	for ct, mt := range rb.Content {
		if strings.HasPrefix(ct, "application/json") && mt.Schema != nil {
			return &bodyInfo{schema: mt.Schema, required: rb.Required}
		}
	}
	return nil
}

// canInline reports whether a body schema merges into the top level: it must
// be an object and none of its property names may collide with parameters.
func canInline(bodySchema map[string]any, properties map[string]any) bool {
	if t, _ := bodySchema["type"].(string); t != "object" {
		return false
	}
	props, ok := bodySchema["properties"].(map[string]any)
	if !ok {
		return false
	}
	for name := range props {
		if _, exists := properties[name]; exists {
			return false
		}
	}
	return true
}

// maxSchemaDepth bounds ref inlining so schema cycles terminate.
const maxSchemaDepth = 8

// inlineSchema renders a schema ref as a plain JSON-schema map with every
// local $ref expanded. Tool input schemas must stand alone: the MCP client
// never sees the surrounding document's components.
func inlineSchema(ref *openapi3.SchemaRef, depth int) map[string]any {
	out := map[string]any{}
	if ref == nil || ref.Value == nil || depth > maxSchemaDepth {
		return out
	}
	s := ref.Value

	if s.Type != nil {
		slice := s.Type.Slice()
		if len(slice) == 1 {
			out["type"] = slice[0]
		} else if len(slice) > 1 {
			out["type"] = slice
		}
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Default != nil {
		out["default"] = s.Default
	}
	if s.Items != nil {
		out["items"] = inlineSchema(s.Items, depth+1)
	}
	if len(s.Properties) > 0 {
		props := map[string]any{}
		for name, pref := range s.Properties {
			props[name] = inlineSchema(pref, depth+1)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		reqs := make([]any, len(s.Required))
		for i, r := range s.Required {
			reqs[i] = r
		}
		out["required"] = reqs
	}
	if s.AdditionalProperties.Schema != nil {
		out["additionalProperties"] = inlineSchema(s.AdditionalProperties.Schema, depth+1)
	}
	return out
}

// compileValidator builds the argument validator for a tool. A schema that
// fails to compile disables validation for that tool instead of failing the
// whole service load.
func compileValidator(properties map[string]any, required []string) *jsonschema.Schema {
	schemaDoc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schemaDoc["required"] = required
	}

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline://input-schema.json", doc); err != nil {
		return nil
	}
	sch, err := c.Compile("inline://input-schema.json")
	if err != nil {
		return nil
	}
	return sch
}

// sanitizeName derives a tool name for operations without an operationId.
func sanitizeName(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '/' || r == '{' || r == '}' || r == '-' || r == '.':
			if !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// CompileExplicit builds tools from an MCP service's explicitly declared
// routes.
func CompileExplicit(m *config.McpService) []*Tool {
	var tools []*Tool
	for i := range m.Routes {
		r := &m.Routes[i]
		method := strings.ToUpper(r.Method)
		if method == "" {
			method = "GET"
		}

		properties := map[string]any{}
		var required []string
		if r.Meta.InputSchema != nil {
			if props, ok := r.Meta.InputSchema["properties"].(map[string]any); ok {
				properties = props
			}
			switch reqs := r.Meta.InputSchema["required"].(type) {
			case []string:
				required = reqs
			case []any:
				for _, v := range reqs {
					if s, ok := v.(string); ok {
						required = append(required, s)
					}
				}
			}
		}

		binding := Binding{
			ServiceID:   m.ID,
			OperationID: r.Meta.Name,
			Method:      method,
			URITemplate: r.URI,
			UpstreamID:  m.UpstreamID,
			Headers:     r.Headers,
		}
		for _, seg := range strings.Split(strings.Trim(r.URI, "/"), "/") {
			if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
				binding.Params = append(binding.Params, Param{
					Name:     seg[1 : len(seg)-1],
					In:       InPath,
					Required: true,
				})
			}
		}

		description := r.Meta.Description
		if description == "" {
			description = r.Meta.Name
		}
		tools = append(tools, &Tool{
			Descriptor: mcp.Tool{
				Name:        r.Meta.Name,
				Description: description,
				InputSchema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: properties,
					Required:   required,
				},
			},
			Binding: binding,
			Schema:  compileValidator(properties, required),
		})
	}
	return tools
}
