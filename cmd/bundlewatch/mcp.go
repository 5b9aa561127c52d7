package main

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/idgen"
	"github.com/hazyhaar/bundlewatch/kit"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the scan tools over MCP on stdio",
	Long: `Runs an MCP server on stdin/stdout exposing bundle_scan and bundle_targets.
Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func newMCPServer(fp bundle.Fingerprinter, targets map[string]bundle.Target) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "bundlewatch", Version: version}, nil)
	bundle.RegisterMCP(srv, fp, targets,
		kit.WithRunIDFrom(idgen.Default),
		kit.Logging(logger, "bundle"),
	)
	return srv
}

func runMCP(cmd *cobra.Command, _ []string) error {
	targets, err := loadTargets()
	if err != nil {
		return err
	}
	logger.Info("mcp: serving on stdio", "targets", len(targets))
	return newMCPServer(newScanner(), targets).Run(cmd.Context(), &mcp.StdioTransport{})
}
