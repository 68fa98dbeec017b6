package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/BTreeMap/HuntPipe/internal/tenant"
	"github.com/spf13/cobra"
)

func tenantsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage the tenant registry",
	}

	var file string
	var dryRun bool
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert tenants and hunt rules from a YAML registry file",
		Long: `Upsert tenants and hunt rules from a YAML registry file.

The file is validated as a whole before anything is written.

Example file:
  tenants:
    - id: acme
      name: Acme Freight
      alias: acme
      inbox_address: loads@acme.example.com
      notify_to: "+15550001111"
  rules:
    - id: acme-chi-dal
      tenant_id: acme
      name: Chicago to Dallas
      origin: Chicago
      destination: Dallas
      cooldown_seconds: 900`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := tenant.LoadRegistryFile(file)
			if err != nil {
				return err
			}
			if !dryRun {
				ctx, st, err := opts.openStore(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := tenant.Import(ctx, st, reg); err != nil {
					return err
				}
			}
			return printResult(cmd.OutOrStdout(), opts.output, reg, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "TENANT\tALIAS\tINBOX\tACTIVE")
				for _, t := range reg.Tenants {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", t.ID, t.Alias, t.InboxAddress, t.Active)
				}
				verb := "imported"
				if dryRun {
					verb = "validated"
				}
				fmt.Fprintf(tw, "\n%d tenants, %d rules %s\n", len(reg.Tenants), len(reg.Rules), verb)
			})
		},
	}
	importCmd.Flags().StringVarP(&file, "file", "f", "", "registry YAML file")
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	_ = importCmd.MarkFlagRequired("file")

	cmd.AddCommand(importCmd)
	return cmd
}
