package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jaakkos/duet/internal/knowledge"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the codebase knowledge index once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(func(e *engine) error {
			if e.knowledge == nil {
				return errors.New("knowledge index is disabled (set knowledge.enabled: true)")
			}
			kc := e.policy.Knowledge()
			idx := knowledge.NewIndexer(e.knowledge, knowledge.IndexerConfig{
				Root:          kc.CodebaseRoot,
				IndexGoSource: kc.IndexGoSource,
			}, knowledge.NewServicePlans(e.svc), e.logger)

			ctx := cmd.Context()
			indexed, removed := idx.RunOnce(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Indexed %d documents, removed %d\n", indexed, removed)

			stats, err := e.knowledge.Stats(ctx)
			if err != nil {
				return err
			}
			cats := make([]string, 0, len(stats))
			for c := range stats {
				cats = append(cats, c)
			}
			sort.Strings(cats)
			for _, c := range cats {
				fmt.Fprintf(out, "  %-12s %d\n", c, stats[c])
			}
			return nil
		})
	},
}
