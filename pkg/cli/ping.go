package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimburion/docorm/pkg/health"
)

func newPingCommand(env *commandEnv) *cobra.Command {
	var collections []string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity to the document store",
		Long: `Ping checks that the document store is reachable. Every --collection adds a check
that reads one document from that collection through the repository layer.`,
		Args: cobra.NoArgs,
		RunE: env.run(func(ctx context.Context, cmd *cobra.Command, rt *Runtime, _ []string) error {
			timeout := rt.Config.Store.OperationTimeout
			registry := health.NewRegistry()
			registry.Register(health.NewStoreChecker(rt.DB.Driver(), timeout))
			for _, col := range collections {
				registry.Register(health.NewFuncChecker("collection:"+col, timeout, func(ctx context.Context) error {
					repo, err := documents(rt.DB, col)
					if err != nil {
						return err
					}
					_, err = repo.Limit(1).Find(ctx)
					return err
				}))
			}

			res := registry.Check(ctx)
			if cmd.Flags().Changed("output") {
				if err := writeOutput(cmd.OutOrStdout(), env.flags.output, res); err != nil {
					return err
				}
			} else {
				for _, check := range res.Checks {
					line := fmt.Sprintf("%s: %s", check.Name, check.Status)
					if check.Error != "" {
						line += " (" + check.Error + ")"
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
			if !res.IsHealthy() {
				return fmt.Errorf("document store is %s", res.Status)
			}
			return nil
		}),
	}
	cmd.Flags().StringArrayVar(&collections, "collection", nil, "also read from this collection (repeatable)")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}
