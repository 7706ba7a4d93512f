package openapi

import (
	"context"
	"testing"
)

const petstoreJSON = `{
  "openapi": "3.0.0",
  "info": {"title": "Petstore", "version": "1.0.0"},
  "paths": {
    "/pet": {
      "post": {
        "operationId": "addPet",
        "summary": "Add a new pet to the store",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {"$ref": "#/components/schemas/Pet"}
            }
          }
        },
        "responses": {"200": {"description": "ok"}}
      },
      "put": {
        "operationId": "updatePet",
        "summary": "Update an existing pet",
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {"$ref": "#/components/schemas/Pet"}
            }
          }
        },
        "responses": {"200": {"description": "ok"}}
      }
    },
    "/pet/findByStatus": {
      "get": {
        "operationId": "findPetsByStatus",
        "summary": "Finds Pets by status",
        "parameters": [
          {"name": "status", "in": "query", "required": true,
           "schema": {"type": "string", "enum": ["available", "pending", "sold"]}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    },
    "/pet/{petId}": {
      "get": {
        "operationId": "getPetById",
        "summary": "Find pet by ID",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "integer"}}
        ],
        "responses": {"200": {"description": "ok"}}
      },
      "delete": {
        "operationId": "deletePet",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "integer"}},
          {"name": "api_key", "in": "header", "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    },
    "/unnamed/{id}": {
      "get": {
        "parameters": [
          {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    }
  },
  "components": {
    "schemas": {
      "Pet": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "id": {"type": "integer"},
          "name": {"type": "string"},
          "status": {"type": "string"}
        }
      }
    }
  }
}`

func compilePetstore(t *testing.T) map[string]*Tool {
	t.Helper()
	doc, err := ParseDocument(context.Background(), []byte(petstoreJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tools, err := Compile(doc, "service-1", "1")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	byName := map[string]*Tool{}
	for _, tool := range tools {
		byName[tool.Descriptor.Name] = tool
	}
	return byName
}

func TestCompileToolNames(t *testing.T) {
	tools := compilePetstore(t)
	for _, name := range []string{"addPet", "updatePet", "findPetsByStatus", "getPetById", "deletePet"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing tool %q", name)
		}
	}
	// No operationId: name derives from method and path.
	if _, ok := tools["get_unnamed_id"]; !ok {
		names := make([]string, 0, len(tools))
		for n := range tools {
			names = append(names, n)
		}
		t.Errorf("missing synthesised name, have %v", names)
	}
}

func TestCompilePathParam(t *testing.T) {
	tool := compilePetstore(t)["getPetById"]

	if tool.Binding.Method != "GET" || tool.Binding.URITemplate != "/pet/{petId}" {
		t.Errorf("unexpected binding: %+v", tool.Binding)
	}
	if tool.Descriptor.Description != "Find pet by ID" {
		t.Errorf("description should come from summary, got %q", tool.Descriptor.Description)
	}

	props := tool.Descriptor.InputSchema.Properties
	if _, ok := props["petId"]; !ok {
		t.Fatalf("petId missing from schema: %v", props)
	}
	found := false
	for _, r := range tool.Descriptor.InputSchema.Required {
		if r == "petId" {
			found = true
		}
	}
	if !found {
		t.Error("path params are always required")
	}
}

func TestCompileHeaderParam(t *testing.T) {
	tool := compilePetstore(t)["deletePet"]
	var header *Param
	for i := range tool.Binding.Params {
		if tool.Binding.Params[i].Name == "api_key" {
			header = &tool.Binding.Params[i]
		}
	}
	if header == nil || header.In != InHeader {
		t.Fatalf("api_key must classify as header: %+v", tool.Binding.Params)
	}
	if header.Required {
		t.Error("optional header must stay optional")
	}
}

func TestCompileInlinesObjectBody(t *testing.T) {
	tool := compilePetstore(t)["addPet"]

	if !tool.Binding.BodyInlined {
		t.Fatal("object body without collisions must inline")
	}
	props := tool.Descriptor.InputSchema.Properties
	for _, want := range []string{"id", "name", "status"} {
		if _, ok := props[want]; !ok {
			t.Errorf("inlined body property %q missing: %v", want, props)
		}
	}
	found := false
	for _, r := range tool.Descriptor.InputSchema.Required {
		if r == "name" {
			found = true
		}
	}
	if !found {
		t.Errorf("body-required fields must propagate, got %v", tool.Descriptor.InputSchema.Required)
	}
}

func TestCompileValidator(t *testing.T) {
	tool := compilePetstore(t)["getPetById"]
	if tool.Schema == nil {
		t.Fatal("expected a compiled validator")
	}
	if err := tool.Schema.Validate(map[string]any{"petId": 10.0}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := tool.Schema.Validate(map[string]any{}); err == nil {
		t.Error("missing required arg must fail validation")
	}
}

func TestIsSwagger2(t *testing.T) {
	if !isSwagger2([]byte(`{"swagger": "2.0", "info": {}}`)) {
		t.Error("json swagger 2.0 not detected")
	}
	if !isSwagger2([]byte("swagger: \"2.0\"\ninfo: {}\n")) {
		t.Error("yaml swagger 2.0 not detected")
	}
	if isSwagger2([]byte(`{"openapi": "3.0.0"}`)) {
		t.Error("openapi 3 misdetected as swagger 2")
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"/pet/{petId}":        "get_pet_petId",
		"/pet/findByStatus":   "get_pet_findByStatus",
		"/":                   "get",
	}
	for path, want := range cases {
		if got := sanitizeName("GET", path); got != want {
			t.Errorf("sanitizeName(GET, %s) = %q, want %q", path, got, want)
		}
	}
}
