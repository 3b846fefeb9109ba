package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/daemon"
	"github.com/matheus3301/convsync/internal/workspace"
	"go.uber.org/fx"
)

func main() {
	workspaceFlag := flag.String("workspace", "", "workspace name (overrides config default)")
	flag.Parse()

	cfg, err := config.Resolve(workspace.ConfigPath(), ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	name := workspace.Resolve(*workspaceFlag, cfg)
	if err := workspace.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := workspace.EnsureDir(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Workspace: name, Config: cfg}),
	)
	app.Run()
}
