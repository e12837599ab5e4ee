package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/model"
)

var (
	genName        string
	genDomain      string
	genIndustry    string
	genCompetitors []string
	genQueries     int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Preview a query set without persisting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if genName == "" {
			return eris.New("--name is required")
		}
		if err := cfg.Validate("generate"); err != nil {
			return err
		}

		set, err := initTemplates(ctx)
		if err != nil {
			return err
		}
		gen, err := initGenerator(set)
		if err != nil {
			return err
		}

		total := genQueries
		if total == 0 {
			total = cfg.Audit.DefaultQueryCount
		}

		company := model.Company{
			Name:        genName,
			Domain:      genDomain,
			Industry:    genIndustry,
			Competitors: genCompetitors,
		}
		drafts, err := gen.Generate(ctx, company, total)
		if err != nil {
			return err
		}

		formatDrafts(os.Stdout, drafts)
		return nil
	},
}

// formatDrafts renders the generated query set with its quota split.
func formatDrafts(w io.Writer, drafts []model.QueryDraft) {
	perPhase := make(map[model.JourneyPhase]int)
	for _, d := range drafts {
		perPhase[d.Phase]++
	}

	fmt.Fprintf(w, "Generated %d queries:", len(drafts))
	for _, p := range model.JourneyPhases {
		fmt.Fprintf(w, " %s=%d", p, perPhase[p])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tINTENT\tCOMPLEXITY\tTEXT")
	for _, d := range drafts {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", d.Phase, d.Intent, d.Complexity, d.Text)
	}
	tw.Flush()
}

func init() {
	generateCmd.Flags().StringVar(&genName, "name", "", "company name (required)")
	generateCmd.Flags().StringVar(&genDomain, "domain", "", "company website domain")
	generateCmd.Flags().StringVar(&genIndustry, "industry", "", "company industry")
	generateCmd.Flags().StringSliceVar(&genCompetitors, "competitors", nil, "known competitors")
	generateCmd.Flags().IntVar(&genQueries, "queries", 0, "query count (default from config)")
	rootCmd.AddCommand(generateCmd)
}
