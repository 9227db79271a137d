package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nlabh01/brooklyn-server/pkg/blueprint"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <blueprint>",
		Short: "Validate a blueprint without deploying it",
		Long: `Validate a blueprint without creating any node.

This command checks:
  - YAML or CUE syntax
  - Conformance to the blueprint schema
  - Syntax of every $brooklyn: DSL expression
  - That every service, enricher and policy type is registered`,
		Example: `  # Validate a YAML blueprint
  brooklyn validate app.yaml

  # Validate a CUE blueprint and list problems as JSON
  brooklyn validate --json app.cue

  # Validate against node types declared in a manifest
  brooklyn validate --types ./types.yaml app.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry(nil)
			if err != nil {
				return err
			}

			bp, err := loadBlueprint(cmd, args[0])
			if err == nil {
				err = blueprint.Validate(bp, reg)
			}

			var problems []blueprint.ValidationError
			var bperr *blueprint.Error
			if errors.As(err, &bperr) {
				problems = bperr.Problems
			} else if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(validationReport{Valid: len(problems) == 0, Problems: problems}); err != nil {
					return err
				}
			} else {
				for _, p := range problems {
					fmt.Fprintln(out, p.String())
				}
				if len(problems) == 0 {
					fmt.Fprintf(out, "%s: valid (%d services)\n", args[0], len(bp.Services))
				}
			}

			if len(problems) > 0 {
				return fmt.Errorf("%s: %d problem(s)", args[0], len(problems))
			}
			log.Debug().Str("path", args[0]).Msg("Blueprint is valid")
			return nil
		},
	}

	return cmd
}

type validationReport struct {
	Valid    bool                        `json:"valid"`
	Problems []blueprint.ValidationError `json:"problems,omitempty"`
}
