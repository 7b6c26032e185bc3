// Package mcp implements the client side transport of the Model Context
// Protocol (MCP): JSON-RPC 2.0 messages exchanged as newline-delimited frames
// with a server running as a local process, in a container, or behind a
// socket, a WebSocket or an HTTP+SSE endpoint.
//
// A Transport owns one Backend and runs one session over it. Requests are
// correlated with their replies by id, so any number of them may be in
// flight and replies may arrive in any order. Output is reassembled into
// frames whatever the chunking of the underlying channel.
//
// Client builds the MCP operations (tools, resources, prompts, ping) on top
// of a Transport:
//
//	backend := mcp.NewProcessBackend(mcp.ProcessConfig{Command: "mcp-server"})
//	client := mcp.NewClient(mcp.Info{Name: "app", Version: "1.0"}, mcp.NewTransport(backend))
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//
//	tools, err := client.ListTools(ctx, mcp.ListToolsParams{})
package mcp
