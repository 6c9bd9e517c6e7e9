// Command tdinvert runs the trans-dimensional RJ-MCMC electromagnetic
// inversion sampler and its posterior postprocessor, per SPEC_FULL.md
// §5.11. Grounded on the teacher's cmd/poaid, generalized from its
// hand-rolled flag-package subcommand dispatch to cobra, matching the
// rest of the example pack's multi-subcommand CLIs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "tdinvert",
		Short: "Trans-dimensional RJ-MCMC electromagnetic inversion",
	}
	root.AddCommand(newInvertCmd())
	root.AddCommand(newPostprocessCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
