package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	mcp "github.com/TangGee/mcp-transport"
)

// runCommand executes one command against a connected client and prints the
// result as indented JSON. List commands follow cursors until the last page.
func runCommand(ctx context.Context, client *mcp.Client, command string, args []string, w io.Writer) error {
	switch command {
	case "tools":
		var tools []mcp.Tool
		cursor := ""
		for {
			res, err := client.ListTools(ctx, mcp.ListToolsParams{Cursor: cursor})
			if err != nil {
				return err
			}
			tools = append(tools, res.Tools...)
			if cursor = res.NextCursor; cursor == "" {
				break
			}
		}
		return printJSON(w, tools)

	case "call":
		if len(args) == 0 {
			return errors.New("usage: call NAME [JSON]")
		}
		params := mcp.CallToolParams{Name: args[0]}
		if len(args) > 1 {
			if !json.Valid([]byte(args[1])) {
				return errors.New("tool arguments must be valid JSON")
			}
			params.Arguments = json.RawMessage(args[1])
		}
		res, err := client.CallTool(ctx, params)
		if err != nil {
			return err
		}
		if err := printJSON(w, res); err != nil {
			return err
		}
		if res.IsError {
			return errors.Errorf("tool %s reported an error", params.Name)
		}
		return nil

	case "resources":
		var resources []mcp.Resource
		cursor := ""
		for {
			res, err := client.ListResources(ctx, mcp.ListResourcesParams{Cursor: cursor})
			if err != nil {
				return err
			}
			resources = append(resources, res.Resources...)
			if cursor = res.NextCursor; cursor == "" {
				break
			}
		}
		return printJSON(w, resources)

	case "read":
		if len(args) != 1 {
			return errors.New("usage: read URI")
		}
		res, err := client.ReadResource(ctx, mcp.ReadResourceParams{URI: args[0]})
		if err != nil {
			return err
		}
		return printJSON(w, res)

	case "templates":
		var templates []mcp.ResourceTemplate
		cursor := ""
		for {
			res, err := client.ListResourceTemplates(ctx, mcp.ListResourceTemplatesParams{Cursor: cursor})
			if err != nil {
				return err
			}
			templates = append(templates, res.Templates...)
			if cursor = res.NextCursor; cursor == "" {
				break
			}
		}
		return printJSON(w, templates)

	case "prompts":
		var prompts []mcp.Prompt
		cursor := ""
		for {
			res, err := client.ListPrompts(ctx, mcp.ListPromptsParams{Cursor: cursor})
			if err != nil {
				return err
			}
			prompts = append(prompts, res.Prompts...)
			if cursor = res.NextCursor; cursor == "" {
				break
			}
		}
		return printJSON(w, prompts)

	case "prompt":
		if len(args) == 0 {
			return errors.New("usage: prompt NAME [JSON]")
		}
		params := mcp.GetPromptParams{Name: args[0]}
		if len(args) > 1 {
			if err := json.Unmarshal([]byte(args[1]), &params.Arguments); err != nil {
				return errors.Wrap(err, "prompt arguments must be a JSON object of strings")
			}
		}
		res, err := client.GetPrompt(ctx, params)
		if err != nil {
			return err
		}
		return printJSON(w, res)

	case "ping":
		if err := client.Ping(ctx); err != nil {
			return err
		}
		_, err := io.WriteString(w, "pong\n")
		return err

	case "health":
		if err := client.CheckHealth(ctx); err != nil {
			return err
		}
		_, err := io.WriteString(w, "ok\n")
		return err
	}
	return errors.Errorf("unknown command %q", command)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
