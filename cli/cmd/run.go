package cmd

import (
	"context"
	"os"
	"time"

	"codesync/config"
	"codesync/executor"
	"codesync/models"
	"codesync/sandbox"
	"codesync/toolchain"
	"codesync/workspace"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("lang", "l", "", "language of the source file (inferred from the extension when empty)")
	runCmd.Flags().StringArrayP("input", "i", nil, "program input as label=value or value, repeatable")
	runCmd.Flags().BoolP("multiline", "m", false, "treat every input as multiline")
	runCmd.Flags().DurationP("timeout", "t", 0, "run timeout (defaults to the configured timeout)")
	runCmd.Flags().StringP("config", "c", "", "path to a codesync config file")
}

var runCmd = &cobra.Command{
	Use:   "run <file> [options]",
	Short: "Builds and runs a source file locally",
	Long:  `Builds and runs a source file locally with the same toolchains and sandbox the server uses`,
	Run:   runLocal,
	Args:  cobra.ExactArgs(1),
}

func runLocal(cmd *cobra.Command, args []string) {
	lang, _ := cmd.Flags().GetString("lang")
	rawInputs, _ := cmd.Flags().GetStringArray("input")
	multiline, _ := cmd.Flags().GetBool("multiline")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cfgPath, _ := cmd.Flags().GetString("config")

	source, lang, err := loadSource(args[0], lang)
	if err != nil {
		pterm.Error.Println(err)
		return
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		pterm.Error.Printf("failed to load config: %v\n", err)
		return
	}

	if timeout > 0 {
		cfg.Execution.TimeoutMs = int(timeout.Milliseconds())
	}

	level := slog.LevelWarn
	if pterm.PrintDebugMessages {
		level = slog.LevelDebug
	}
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

	ctx := context.Background()

	registry := toolchain.NewRegistry()

	workspaces, err := workspace.NewManager(workspace.ManagerParams{
		Root:   cfg.Execution.WorkspaceRoot,
		Logger: logger,
	})
	if err != nil {
		pterm.Error.Printf("failed to create workspace manager: %v\n", err)
		return
	}

	sb, err := sandbox.FromConfig(ctx, sandbox.FactoryParams{
		Sandbox:   cfg.Sandbox,
		Execution: cfg.Execution,
		Logger:    logger,
	})
	if err != nil {
		pterm.Error.Printf("failed to create sandbox: %v\n", err)
		return
	}

	engine, err := executor.NewEngine(executor.EngineParams{
		Registry:   registry,
		Workspaces: workspaces,
		Sandbox:    sb,
		Config:     cfg.Execution,
		Logger:     logger,
	})
	if err != nil {
		pterm.Error.Printf("failed to create engine: %v\n", err)
		return
	}

	spinner, _ := pterm.DefaultSpinner.Start("running ", args[0])
	res := engine.Execute(ctx, models.ExecutionRequest{
		ID:          uuid.NewString(),
		RoomID:      "local",
		Language:    lang,
		SourceCode:  source,
		Inputs:      parseInputs(rawInputs, multiline),
		SubmittedAt: time.Now(),
	})
	_ = spinner.Stop()

	printResult(res)

	if res.Status != models.StatusSuccess {
		os.Exit(1)
	}
}
