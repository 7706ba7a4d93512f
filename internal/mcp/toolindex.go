package mcp

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/openapi"
	"github.com/wudi/accesspoint/internal/registry"
)

// ToolIndex is the immutable tool lookup built from one snapshot. The root
// scope is the union across all MCP services; colliding names are
// disambiguated with a "<service_id>__" prefix.
type ToolIndex struct {
	byService      map[string]map[string]*openapi.Tool
	perServiceList map[string][]*openapi.Tool
	root           map[string]*openapi.Tool
	rootList       []*openapi.Tool
}

// BuildIndex compiles every MCP service's tools. A service whose OpenAPI
// document fails to load contributes nothing; the rest of the index still
// builds so one bad upstream document cannot take discovery down.
func BuildIndex(ctx context.Context, snap *registry.Snapshot) *ToolIndex {
	idx := &ToolIndex{
		byService:      map[string]map[string]*openapi.Tool{},
		perServiceList: map[string][]*openapi.Tool{},
		root:           map[string]*openapi.Tool{},
	}

	serviceIDs := make([]string, 0, len(snap.McpServices))
	for id := range snap.McpServices {
		serviceIDs = append(serviceIDs, id)
	}
	sort.Strings(serviceIDs)

	nameCount := map[string]int{}
	for _, id := range serviceIDs {
		m := snap.McpServices[id]

		var tools []*openapi.Tool
		if m.Path != "" {
			doc, err := openapi.LoadDocument(ctx, m.Path)
			if err != nil {
				logging.Error("failed to load OpenAPI document for MCP service",
					zap.String("mcp_service", id), zap.String("path", m.Path), zap.Error(err))
				continue
			}
			tools, err = openapi.Compile(doc, id, m.UpstreamID)
			if err != nil {
				logging.Error("failed to compile OpenAPI document",
					zap.String("mcp_service", id), zap.Error(err))
				continue
			}
		} else {
			tools = openapi.CompileExplicit(m)
		}

		byName := make(map[string]*openapi.Tool, len(tools))
		for _, t := range tools {
			byName[t.Descriptor.Name] = t
			nameCount[t.Descriptor.Name]++
		}
		idx.byService[id] = byName
		idx.perServiceList[id] = tools
	}

	// Root scope: prefix only the names that collide across services.
	for _, id := range serviceIDs {
		for _, t := range idx.perServiceList[id] {
			name := t.Descriptor.Name
			if nameCount[name] > 1 {
				name = id + "__" + name
			}
			rooted := *t
			rooted.Descriptor.Name = name
			idx.root[name] = &rooted
			idx.rootList = append(idx.rootList, &rooted)
		}
	}
	sort.Slice(idx.rootList, func(i, j int) bool {
		return idx.rootList[i].Descriptor.Name < idx.rootList[j].Descriptor.Name
	})

	return idx
}

// Resolve finds a tool by name. An empty serviceID resolves in the root
// scope.
func (idx *ToolIndex) Resolve(serviceID, name string) (*openapi.Tool, bool) {
	if serviceID == "" {
		t, ok := idx.root[name]
		return t, ok
	}
	byName, ok := idx.byService[serviceID]
	if !ok {
		return nil, false
	}
	t, ok := byName[name]
	return t, ok
}

// HasService reports whether the index knows the MCP service.
func (idx *ToolIndex) HasService(serviceID string) bool {
	_, ok := idx.byService[serviceID]
	return ok
}

// List returns the tool descriptors for a scope, sorted by name.
func (idx *ToolIndex) List(serviceID string) []mcp.Tool {
	var tools []*openapi.Tool
	if serviceID == "" {
		tools = idx.rootList
	} else {
		tools = idx.perServiceList[serviceID]
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Descriptor)
	}
	if serviceID != "" {
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out
}
