// Command stdio connects to an MCP server spawned as a child process, lists
// what it offers, and calls the first tool it finds. Pass the server command
// and its arguments on the command line, for example:
//
//	go run . npx -y @modelcontextprotocol/server-everything
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	mcp "github.com/quistline/go-mcp-client"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <server-command> [args...]", os.Args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	transport := mcp.NewStdioTransport(os.Args[1], os.Args[2:])

	cli, err := mcp.Connect(ctx, mcp.Info{Name: "example-stdio", Version: "0.1.0"}, transport)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	info := cli.ServerInfo()
	fmt.Printf("connected to %s %s\n", info.Name, info.Version)

	if cli.ServerCapabilities().Tools != nil {
		tools, err := cli.ListAllTools(ctx)
		if err != nil {
			log.Fatalf("list tools: %v", err)
		}
		for _, tool := range tools {
			fmt.Printf("tool: %s  %s\n", tool.Name, tool.Description)
		}

		if len(tools) > 0 {
			res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: tools[0].Name})
			if err != nil {
				log.Fatalf("call tool %s: %v", tools[0].Name, err)
			}
			for _, content := range res.Content {
				fmt.Printf("result: %s\n", content.Text)
			}
		}
	}

	if cli.ServerCapabilities().Resources != nil {
		resources, err := cli.ListAllResources(ctx)
		if err != nil {
			log.Fatalf("list resources: %v", err)
		}
		for _, resource := range resources {
			fmt.Printf("resource: %s (%s)\n", resource.Name, resource.URI)
		}
	}
}
