package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/openapi"
)

// SynthesizedRequest is the HTTP request shape derived from a tool call's
// arguments. The proxy core turns it into a routed upstream request.
type SynthesizedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Synthesize fills the tool binding's URI template and classifies every
// argument onto the wire: path, query, header, cookie or body.
func Synthesize(tool *openapi.Tool, args map[string]any) (*SynthesizedRequest, error) {
	b := &tool.Binding

	sr := &SynthesizedRequest{
		Method: b.Method,
		Path:   b.URITemplate,
		Query:  url.Values{},
		Header: http.Header{},
	}

	consumed := map[string]bool{}
	bodyObject := map[string]any{}

	for _, p := range b.Params {
		value, ok := args[p.Name]
		if !ok {
			if p.Required && p.In == openapi.InPath {
				return nil, errors.Newf(errors.KindInvalidParams, "missing required path parameter %q", p.Name)
			}
			continue
		}
		consumed[p.Name] = true

		switch p.In {
		case openapi.InPath:
			sr.Path = strings.ReplaceAll(sr.Path, "{"+p.Name+"}", formatValue(value))
		case openapi.InQuery:
			appendQuery(sr.Query, p.Name, value)
		case openapi.InHeader:
			sr.Header.Set(p.Name, formatValue(value))
		case openapi.InCookie:
			appendCookie(sr.Header, p.Name, formatValue(value))
		case openapi.InBody:
			if p.Name == "body" && !b.BodyInlined {
				data, err := json.Marshal(value)
				if err != nil {
					return nil, errors.Wrap(err, errors.KindInvalidParams, "encode body argument")
				}
				sr.Body = data
			} else {
				bodyObject[p.Name] = value
			}
		}
	}

	// Arguments without a declared classification: query for body-less
	// methods, body otherwise. Explicit tool routes rely on this split.
	for name, value := range args {
		if consumed[name] {
			continue
		}
		switch b.Method {
		case http.MethodGet, http.MethodHead:
			appendQuery(sr.Query, name, value)
		default:
			bodyObject[name] = value
		}
	}

	if sr.Body == nil && len(bodyObject) > 0 {
		data, err := json.Marshal(bodyObject)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidParams, "encode body arguments")
		}
		sr.Body = data
	}
	if sr.Body != nil {
		sr.Header.Set("Content-Type", "application/json")
	}

	for name, value := range b.Headers {
		sr.Header.Set(name, value)
	}

	return sr, nil
}

// appendQuery adds a query value; arrays fan out into repeated keys.
func appendQuery(q url.Values, name string, value any) {
	if items, ok := value.([]any); ok {
		for _, item := range items {
			q.Add(name, formatValue(item))
		}
		return
	}
	q.Add(name, formatValue(value))
}

func appendCookie(h http.Header, name, value string) {
	cookie := name + "=" + value
	if existing := h.Get("Cookie"); existing != "" {
		cookie = existing + "; " + cookie
	}
	h.Set("Cookie", cookie)
}

// formatValue renders an argument as its wire string.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
