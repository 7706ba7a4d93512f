package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/goccy/go-yaml"

	"github.com/wudi/accesspoint/internal/errors"
)

// fetchClient fetches remote OpenAPI documents.
var fetchClient = &http.Client{Timeout: 30 * time.Second}

// LoadDocument loads an OpenAPI document from a local file path or an
// http(s) URL, auto-detecting JSON vs YAML and OpenAPI 2.x vs 3.x.
func LoadDocument(ctx context.Context, pathOrURL string) (*openapi3.T, error) {
	data, err := readLocalOrRemote(ctx, pathOrURL)
	if err != nil {
		return nil, err
	}
	return ParseDocument(ctx, data)
}

// ParseDocument parses raw OpenAPI bytes into a v3 document, converting
// Swagger 2.0 input when needed.
func ParseDocument(ctx context.Context, data []byte) (*openapi3.T, error) {
	if isSwagger2(data) {
		return convertV2(data)
	}

	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, "parse OpenAPI document")
	}
	return doc, nil
}

func readLocalOrRemote(ctx context.Context, pathOrURL string) ([]byte, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pathOrURL, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfigParse, "build OpenAPI fetch request")
		}
		resp, err := fetchClient.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfigParse, fmt.Sprintf("fetch OpenAPI document %s", pathOrURL))
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Newf(errors.KindConfigParse, "fetch OpenAPI document %s: status %d", pathOrURL, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}

	data, err := os.ReadFile(pathOrURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, fmt.Sprintf("read OpenAPI document %s", pathOrURL))
	}
	return data, nil
}

// isSwagger2 sniffs the document version without a full parse. YAML is a
// superset of JSON, so one unmarshal covers both encodings.
func isSwagger2(data []byte) bool {
	var head struct {
		Swagger string `yaml:"swagger" json:"swagger"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return false
	}
	return strings.HasPrefix(head.Swagger, "2.")
}

// convertV2 upgrades a Swagger 2.0 document to OpenAPI 3.
func convertV2(data []byte) (*openapi3.T, error) {
	// The v2 model only unmarshals from JSON; normalise YAML first.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, "parse Swagger 2.0 document")
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, "normalise Swagger 2.0 document")
	}

	var docV2 openapi2.T
	if err := json.Unmarshal(jsonData, &docV2); err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, "parse Swagger 2.0 document")
	}
	doc, err := openapi2conv.ToV3(&docV2)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, "convert Swagger 2.0 document")
	}
	return doc, nil
}
