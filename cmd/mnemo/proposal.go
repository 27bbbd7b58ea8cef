package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/store"
)

var (
	proposalReviewer string
	proposalReason   string
	proposalDocument string
	proposalAll      bool
	proposalLimit    int
	proposalOlder    time.Duration
)

var proposalCmd = &cobra.Command{
	Use:     "proposal",
	Aliases: []string{"proposals"},
	Short:   "Review agent proposals",
}

var proposalListCmd = &cobra.Command{
	Use:   "list <subject>",
	Short: "List pending proposals (or every proposal with --all)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			var proposals []store.Proposal
			var err error
			if proposalAll {
				proposals, err = rt.service.ProposalHistory(cmd.Context(), args[0], proposalDocument, proposalLimit)
			} else {
				proposals, err = rt.service.ListPending(cmd.Context(), args[0], proposalDocument)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(proposals)
			}
			if len(proposals) == 0 {
				fmt.Println("no proposals")
			}
			for _, p := range proposals {
				fmt.Printf("%s  %-10s %-8s %-20s %-6s %s\n", p.ID, p.Status, p.Operation, target(p), p.Confidence, p.ActorID)
			}
			return nil
		})
	},
}

var proposalShowCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show a proposal with its snapshot and proposed value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			p, err := rt.service.GetProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("id:         %s\n", p.ID)
			fmt.Printf("target:     %s/%s\n", p.SubjectID, target(p))
			fmt.Printf("status:     %s\n", p.Status)
			fmt.Printf("operation:  %s\n", p.Operation)
			fmt.Printf("confidence: %s\n", p.Confidence)
			fmt.Printf("actor:      %s\n", p.ActorID)
			fmt.Printf("created:    %s\n", p.CreatedAt.Format(time.RFC3339))
			if p.SourceQuery != "" {
				fmt.Printf("source:     %s\n", p.SourceQuery)
			}
			fmt.Printf("reasoning:  %s\n", p.Reasoning)
			fmt.Printf("\ncurrent:\n%s\n\nproposed:\n%s\n", p.CurrentValue.PlainText(), p.ProposedValue.PlainText())
			if p.ResolvedAt != nil {
				fmt.Printf("\nresolved %s by %s", p.ResolvedAt.Format(time.RFC3339), p.ResolvedBy)
				if p.ResultVersionID != "" {
					fmt.Printf(" as %s", short(p.ResultVersionID))
				}
				if p.ResolutionNote != "" {
					fmt.Printf(": %s", p.ResolutionNote)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var proposalApproveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Apply a pending proposal as a new document version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			result, err := rt.service.ApproveProposal(cmd.Context(), args[0], proposalReviewer)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("approved %s: %s version %d (%s)\n", result.Proposal.ID, result.Proposal.DocumentName,
				result.Version.Sequence, short(result.Version.ID))
			printWarnings(result.Warnings)
			return nil
		})
	},
}

var proposalRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			p, err := rt.service.RejectProposal(cmd.Context(), args[0], proposalReviewer, proposalReason)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("rejected %s\n", p.ID)
			return nil
		})
	},
}

var proposalExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire pending proposals older than --older-than (default PROPOSAL_TTL_HOURS)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan := proposalOlder
		if olderThan == 0 {
			olderThan = cfg.ProposalTTL
		}
		return withRuntime(cmd.Context(), func(rt *runtime) error {
			count, err := rt.service.ExpireStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int{"expired": count})
			}
			fmt.Printf("expired %d proposals\n", count)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(proposalCmd)
	proposalCmd.AddCommand(proposalListCmd, proposalShowCmd, proposalApproveCmd, proposalRejectCmd, proposalExpireCmd)
	proposalCmd.PersistentFlags().StringVar(&proposalReviewer, "reviewer", os.Getenv("USER"), "Reviewer recorded on the resolution")
	proposalListCmd.Flags().StringVarP(&proposalDocument, "document", "d", "", "Only proposals for this document")
	proposalListCmd.Flags().BoolVar(&proposalAll, "all", false, "Include resolved proposals")
	proposalListCmd.Flags().IntVarP(&proposalLimit, "limit", "n", 50, "Maximum proposals with --all")
	proposalRejectCmd.Flags().StringVar(&proposalReason, "reason", "", "Why the proposal was rejected")
	proposalExpireCmd.Flags().DurationVar(&proposalOlder, "older-than", 0, "Age after which pending proposals expire")
}

func target(p store.Proposal) string {
	if p.FieldName == "" {
		return p.DocumentName
	}
	return p.DocumentName + "." + p.FieldName
}
