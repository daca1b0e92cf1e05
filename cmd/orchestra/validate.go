package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/orchestra/definition"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, path := range args {
				defs, err := definition.LoadFile(path)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				for _, d := range defs {
					g, err := definition.Compile(d)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %s v%d: %w", path, d.Name, d.Version, err))
						continue
					}
					var roots []string
					for _, t := range g.Tasks() {
						if len(g.Inbound(t.Ref)) == 0 {
							roots = append(roots, t.Ref)
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s v%d ok (%d tasks, roots %v)\n",
						path, d.Name, d.Version, len(d.Tasks), roots)
				}
			}
			return errors.Join(errs...)
		},
	}
}
