package command

import (
	"encoding/json"
	"fmt"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "pvf",
			Action:       "validate",
			Method:       "POST",
			PathTemplate: "/api/v1/pvf/validate",
			Fields: []Field{
				{Name: "code_file", Aliases: []string{"code"}, Prompt: "code_file (wasm, optionally compressed)", Type: FieldFile, Required: true},
				{Name: "params_json", Prompt: "params_json (JSON array)", Type: FieldJSON, Required: false},
				{Name: "params_file", Prompt: "params_file", Type: FieldFile, Required: false},
				{Name: "block_data_file", Prompt: "block_data_file", Type: FieldFile, Required: false},
				{Name: "block_data", Prompt: "block_data (hex)", Type: FieldHex, Required: false},
				{Name: "parent_head", Prompt: "parent_head (hex)", Type: FieldHex, Required: false},
				{Name: "relay_parent_number", Prompt: "relay_parent_number", Type: FieldUint, Required: false},
				{Name: "relay_parent_storage_root", Prompt: "relay_parent_storage_root (hex)", Type: FieldString, Required: false},
				{Name: "max_pov_size", Prompt: "max_pov_size", Type: FieldUint, Required: false},
				{Name: "exec_kind", Aliases: []string{"kind"}, Prompt: "exec_kind (backing|approval)", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "pvf",
			Action:       "precheck",
			Method:       "POST",
			PathTemplate: "/api/v1/pvf/precheck",
			Fields: []Field{
				{Name: "code_file", Aliases: []string{"code"}, Prompt: "code_file (wasm, optionally compressed)", Type: FieldFile, Required: true},
				{Name: "params_json", Prompt: "params_json (JSON array)", Type: FieldJSON, Required: false},
				{Name: "params_file", Prompt: "params_file", Type: FieldFile, Required: false},
			},
		},
		{
			Service:      "host",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/healthz",
		},
		{
			Service:      "host",
			Action:       "metrics",
			Method:       "GET",
			PathTemplate: "/metrics",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    cmd.PathTemplate,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Service != "pvf" {
		return nil, nil
	}
	switch cmd.Action {
	case "validate":
		return buildValidatePayload(params)
	case "precheck":
		return buildPrecheckPayload(params)
	}
	return nil, nil
}

func buildPrecheckPayload(params Params) (map[string]interface{}, error) {
	code, err := ReadFile(params.Get("code_file"))
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"code": code,
	}
	executorParams, err := parseJSONOrFile(params, "params_json", "params_file")
	if err != nil {
		return nil, err
	}
	if executorParams != nil {
		payload["executor_params"] = executorParams
	}
	return payload, nil
}

func buildValidatePayload(params Params) (interface{}, error) {
	payload, err := buildPrecheckPayload(params)
	if err != nil {
		return nil, err
	}

	var blockData []byte
	switch {
	case params.Get("block_data_file") != "":
		blockData, err = ReadFile(params.Get("block_data_file"))
	case params.Get("block_data") != "":
		blockData, err = ParseHex(params.Get("block_data"))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid block_data: %w", err)
	}
	payload["block_data"] = blockData

	if value := params.Get("parent_head"); value != "" {
		head, err := ParseHex(value)
		if err != nil {
			return nil, fmt.Errorf("invalid parent_head: %w", err)
		}
		payload["parent_head"] = head
	}
	for _, key := range []string{"relay_parent_number", "max_pov_size"} {
		if value := params.Get(key); value != "" {
			n, err := ParseUint32(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			payload[key] = n
		}
	}
	for _, key := range []string{"relay_parent_storage_root", "exec_kind"} {
		if value := params.Get(key); value != "" {
			payload[key] = value
		}
	}
	return payload, nil
}

// parseJSONOrFile returns nil when neither the inline value nor the file is given.
func parseJSONOrFile(params Params, key, fileKey string) (json.RawMessage, error) {
	value := params.Get(key)
	if (value == "" || value == "_file_") && params.Get(fileKey) != "" {
		data, err := ReadFile(params.Get(fileKey))
		if err != nil {
			return nil, err
		}
		value = string(data)
	}
	if value == "" || value == "_file_" {
		return nil, nil
	}
	raw, err := ParseJSON(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return raw, nil
}
