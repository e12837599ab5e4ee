package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/model"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect the query template registry",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered query templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		set, err := initTemplates(cmd.Context())
		if err != nil {
			return err
		}
		if set.Len() == 0 {
			fmt.Fprintln(os.Stderr, "No templates registered.")
			return nil
		}
		formatTemplates(os.Stdout, set)
		return nil
	},
}

func formatTemplates(w io.Writer, set *model.TemplateSet) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tINTENT\tTEXT")
	for _, p := range model.JourneyPhases {
		for _, t := range set.ByPhase(p) {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Phase, t.EffectiveIntent(), t.Text)
		}
	}
	tw.Flush()

	if missing := set.MissingPhases(); len(missing) > 0 {
		fmt.Fprintf(w, "\nWarning: no templates for phases %v\n", missing)
	}
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	rootCmd.AddCommand(templatesCmd)
}
