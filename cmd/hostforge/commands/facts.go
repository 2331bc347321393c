package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hostforge/hostforge/pkg/host"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Print facts about the local host",
		Long: `Gather and print the local host facts plan authors care
about: distribution, kernel, package manager, and which collaborator
tools are installed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			facts := host.GatherFacts(cmd.Context(), host.NewCommander())

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(facts)
			}
			return yaml.NewEncoder(os.Stdout).Encode(facts)
		},
	}

	return cmd
}
