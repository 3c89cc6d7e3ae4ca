package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-graphviz"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/pagelink/internal"
	pkgconfig "github.com/starford/pagelink/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadWithDefaults(cmd.String("config"), "", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func runRelay(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunRelay(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("relay run error: %w", err)
	}
	return nil
}

func runNotebook(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunNotebook(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("notebook run error: %w", err)
	}
	return nil
}

// runMCP keeps stdout for the protocol and logs to stderr.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
		internal.WithLogOutput(os.Stderr),
		internal.WithMCP(),
	}
	if err := internal.RunNotebook(ctx, opts...); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func runRegister(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	nb, token, err := internal.Register(ctx, cfg, cmd.String("app"), cmd.String("workspace"))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "notebook_uuid: %s\ntoken: %s\n", nb.UUID, token)
	return nil
}

func runDAG(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("dag: expected one snapshot path")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format := graphviz.Format(cmd.String("format"))

	out := cmd.Root().Writer
	if path := cmd.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("dag: %w", err)
		}
		defer f.Close()
		out = f
	}
	return internal.RenderDAG(cfg.Notebook.Engine, cmd.Args().First(), format, out)
}

func main() {
	cmd := &cli.Command{
		Name:    "pagelink",
		Usage:   "Share Markdown pages between notebooks through a relay",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "relay",
				Usage:  "Run the relay server",
				Action: runRelay,
			},
			{
				Name:   "notebook",
				Usage:  "Run a notebook agent with its control API",
				Action: runNotebook,
			},
			{
				Name:   "mcp",
				Usage:  "Run a notebook agent and serve MCP tools over stdio",
				Action: runMCP,
			},
			{
				Name:   "register",
				Usage:  "Create a notebook identity in the relay database",
				Action: runRegister,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "app", Value: "pagelink", Usage: "Application name"},
					&cli.StringFlag{Name: "workspace", Required: true, Usage: "Workspace name"},
				},
			},
			{
				Name:      "dag",
				Usage:     "Render the change history of a saved page snapshot",
				ArgsUsage: "<snapshot>",
				Action:    runDAG,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: string(graphviz.SVG), Usage: "Output format: svg, png, dot"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default stdout)"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
