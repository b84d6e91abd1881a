// Package mcp implements a client stack for the Model Context Protocol (MCP),
// a JSON-RPC 2.0 based protocol for integrating Large Language Models (LLMs)
// with external data sources and tools. This implementation follows the
// official specification from https://spec.modelcontextprotocol.io/specification/.
//
// The package is layered: a Transport moves JSON-RPC messages over a concrete
// medium (a subprocess's standard pipes, an HTTP Server-Sent Events stream, or
// a WebSocket connection), a Service adapts a transport session into a
// middleware-composable request interface, and a Client performs the
// initialization handshake and exposes typed operations for resources, tools,
// and prompts.
package mcp
