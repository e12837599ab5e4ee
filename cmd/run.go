package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
)

var (
	runName        string
	runDomain      string
	runIndustry    string
	runCompetitors []string
	runQueries     int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a visibility audit for a single company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if runName == "" || runDomain == "" {
			return eris.New("--name and --domain are required")
		}

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		company, err := env.Store.UpsertCompany(ctx, &model.Company{
			Name:        runName,
			Domain:      runDomain,
			Industry:    runIndustry,
			Competitors: runCompetitors,
		})
		if err != nil {
			return eris.Wrap(err, "upsert company")
		}

		total := runQueries
		if total == 0 {
			total = cfg.Audit.DefaultQueryCount
		}
		created, err := env.Store.CreateAudit(ctx, &model.Audit{
			CompanyID:    company.ID,
			TotalQueries: total,
			Providers:    cfg.Providers.Order,
		})
		if err != nil {
			return eris.Wrap(err, "create audit")
		}

		zap.L().Info("audit created",
			zap.String("audit_id", created.ID),
			zap.String("company", company.Name),
			zap.Int("queries", total),
		)

		if err := env.Runner.Run(ctx, created.ID); err != nil {
			return err
		}

		final, err := env.Store.GetAudit(ctx, created.ID)
		if err != nil {
			return eris.Wrap(err, "load audit")
		}
		progress, err := env.Store.GetAuditProgress(ctx, created.ID)
		if err != nil {
			return eris.Wrap(err, "load progress")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"audit":    final,
			"progress": progress,
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "company name (required)")
	runCmd.Flags().StringVar(&runDomain, "domain", "", "company website domain (required)")
	runCmd.Flags().StringVar(&runIndustry, "industry", "", "company industry")
	runCmd.Flags().StringSliceVar(&runCompetitors, "competitors", nil, "known competitors")
	runCmd.Flags().IntVar(&runQueries, "queries", 0, "query count (default from config)")
	rootCmd.AddCommand(runCmd)
}
