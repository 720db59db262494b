package cmd

import (
	"context"
	"strconv"
	"time"

	"codesync/toolchain"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(languagesCmd)

	languagesCmd.Flags().BoolP("probe", "p", false, "check which toolchains are installed on this host")
}

var languagesCmd = &cobra.Command{
	Use:   "languages [options]",
	Short: "Lists the supported languages",
	Long:  `Lists the supported languages and, with --probe, whether their toolchains are installed locally`,
	Run:   listLanguages,
	Args:  cobra.NoArgs,
}

func listLanguages(cmd *cobra.Command, args []string) {
	probe, err := cmd.Flags().GetBool("probe")
	if err != nil {
		pterm.Error.Printf("failed to retrieve probe flag: %v\n", err)
		return
	}

	recipes := toolchain.NewRegistry().Recipes()

	if !probe {
		data := pterm.TableData{{"Language", "Toolchain", "Compiled", "Stdin"}}
		for _, r := range recipes {
			data = append(data, []string{
				r.Language.String(),
				r.Name,
				strconv.FormatBool(r.HasBuild()),
				strconv.FormatBool(r.SupportsStdin),
			})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	spinner, _ := pterm.DefaultSpinner.Start("probing toolchains")
	results := toolchain.ProbeAll(ctx, recipes)
	spinner.Success("probed ", len(results), " toolchains")

	data := pterm.TableData{{"Language", "Toolchain", "Version", "Status"}}
	for _, res := range results {
		status := pterm.Green("ok")
		switch {
		case !res.Available:
			status = pterm.Red("missing")
		case !res.Satisfied:
			status = pterm.Yellow("outdated")
		}
		data = append(data, []string{res.Language, res.Name, res.Version, status})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
