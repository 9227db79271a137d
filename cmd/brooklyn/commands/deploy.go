package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nlabh01/brooklyn-server/pkg/blueprint"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/inspect"
	"github.com/nlabh01/brooklyn-server/pkg/policy"
	"github.com/nlabh01/brooklyn-server/pkg/streams"
)

// maxProblemOutput bounds the problem report written to the log.
const maxProblemOutput = 8192

func newDeployCommand(version string) *cobra.Command {
	var (
		statePath string
		hold      bool
		wait      time.Duration
		policies  []string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <blueprint>",
		Short: "Deploy a blueprint",
		Long: `Deploy a blueprint and print the resulting node graph.

This command:
  - Parses the blueprint (YAML, or CUE for .cue files; "-" reads YAML from stdin)
  - Validates it against the registered node, enricher and policy types
  - Creates the application root and its services, then starts them
  - Waits for enricher and policy attachment to finish
  - Prints the node graph as text or JSON
  - Records deployments, nodes and failures when a state file is given`,
		Example: `  # Deploy and print the node graph
  brooklyn deploy app.yaml

  # Keep the application running and record it
  brooklyn deploy --state brooklyn.db --hold app.yaml

  # Evaluate rego policies from a directory, reloading on change
  brooklyn deploy --policies ./policies --watch --hold app.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && len(policies) == 0 {
				return fmt.Errorf("--watch requires --policies")
			}
			ctx := cmd.Context()

			bp, err := loadBlueprint(cmd, args[0])
			if err != nil {
				return err
			}

			p, err := openPlane(ctx, planeOptions{
				version:   version,
				statePath: statePath,
				policies:  policies,
				watch:     watch,
			})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := p.close(context.WithoutCancel(ctx)); cerr != nil {
					p.logger.Warn().Err(cerr).Msg("Shutdown incomplete")
				}
			}()

			interp := p.interpreter()
			d, err := interp.Deploy(ctx, bp)
			if err != nil {
				return err
			}

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			werr := d.Wait(waitCtx)
			cancel()
			if werr != nil {
				p.logger.Warn().Err(werr).Str("deployment_id", d.ID).Msg("Attachments did not all succeed")
			}

			if err := render(cmd.OutOrStdout(), d.App); err != nil {
				return err
			}
			problems := reportProblems(p.logger, d)
			if len(policies) > 0 {
				evaluatePolicies(ctx, p.logger, p.policies, d.App)
			}

			if hold {
				p.logger.Info().Str("deployment_id", d.ID).Msg("Holding deployment, interrupt to stop")
				<-ctx.Done()
			}
			if err := interp.Destroy(context.WithoutCancel(ctx), d); err != nil {
				p.logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("Failed to destroy deployment")
			}

			if status := d.Status(); status != engine.DeploymentStatusSucceeded || problems > 0 {
				return fmt.Errorf("deployment %s finished %s with %d problem(s)", d.ID, status, problems)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "sqlite state file (overrides the settings)")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the application running until interrupted")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for adjunct attachment")
	cmd.Flags().StringSliceVar(&policies, "policies", nil, "rego or JSON policy files and directories")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload policies when their files change")

	return cmd
}

func render(w io.Writer, app *entity.Node) error {
	if jsonOutput {
		return inspect.WriteJSON(w, app)
	}
	return inspect.Dump(w, app)
}

// reportProblems logs every creation error and failure of the deployment
// and returns how many there were.
func reportProblems(logger zerolog.Logger, d *blueprint.Deployment) int {
	var buf bytes.Buffer
	errs := d.Errors()
	for _, err := range errs {
		fmt.Fprintf(&buf, "not created: %v\n", err)
	}
	failures := inspect.Failures(d.App)
	for _, f := range failures {
		switch f.Kind {
		case inspect.FailureAttachment:
			fmt.Fprintf(&buf, "%s %s[%s] on %s (%s): %s\n",
				f.Kind, f.AdjunctType, f.AdjunctID, f.NodeName, f.NodeID, f.Reason)
		default:
			fmt.Fprintf(&buf, "%s on %s (%s): %s\n", f.Kind, f.NodeName, f.NodeID, f.Reason)
		}
	}
	streams.LogStreamTail(logger, "Deployment problems", &buf, maxProblemOutput)
	return len(errs) + len(failures)
}

// evaluatePolicies evaluates the loaded policies against every node of the
// application and logs the violations.
func evaluatePolicies(ctx context.Context, logger zerolog.Logger, eng *policy.Engine, app *entity.Node) {
	queue := []*entity.Node{app}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		queue = append(queue, n.Children()...)

		res, err := eng.EvaluateNode(ctx, n)
		if err != nil {
			logger.Warn().Err(err).Str("node_id", n.ID()).Msg("Policy evaluation failed")
			continue
		}
		for _, v := range res.Violations {
			logger.Warn().
				Str("node_id", n.ID()).
				Str("policy", v.Policy).
				Str("severity", string(v.Severity)).
				Msg(v.Message)
		}
	}
}
