package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Persistent flags shared by every subcommand.
var (
	settingsPath string
	typePaths    []string
	jsonOutput   bool
)

// Execute runs the brooklyn command line until ctx is cancelled.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	root := &cobra.Command{
		Use:   "brooklyn",
		Short: "Brooklyn - application topology orchestrator",
		Long: `Brooklyn deploys CAMP-style blueprints as a live graph of managed nodes.

Every node carries sensors; enrichers wire sensor values between nodes and
policies watch them. Configuration may refer to other nodes through the
$brooklyn: DSL, resolved lazily once the referenced node exists.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "settings file (TOML)")
	root.PersistentFlags().StringSliceVar(&typePaths, "types", nil, "YAML manifests declaring additional node types")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		newDeployCommand(version),
		newValidateCommand(),
		newVersionCommand(version, commit, buildDate),
	)
	return root
}
