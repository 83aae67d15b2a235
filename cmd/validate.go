package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	c := &cobra.Command{
		Use:   "validate",
		Short: "Check the configs and workload of a run without simulating it",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := loadInputs(v)
			if err != nil {
				return err
			}
			key := in.cfg.Key
			if key.PolicyID == "" {
				key.PolicyID = in.bundle.PolicyID()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: run %s, %d deployments, %d requests, policies %s\n",
				key.RunID(), len(in.cfg.Deployments), len(in.requests), key.PolicyID)
			return nil
		},
	}
	addInputFlags(c.Flags())
	return c
}
