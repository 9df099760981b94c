package main

import (
	"fmt"

	"github.com/jmerrifield20/agrotrace/pkg/client"
	"github.com/spf13/cobra"
)

var proofCmd = &cobra.Command{
	Use:   "proof",
	Short: "Create and check integrity proofs",
}

func init() {
	proofCmd.AddCommand(proofCreateCmd)
	proofCmd.AddCommand(proofGetCmd)
	proofCmd.AddCommand(proofVerifyCmd)
}

func printProof(p *client.Proof) error {
	if jsonOutput() {
		return printJSON(p)
	}
	fmt.Printf("ID:      %s\n", p.ID)
	fmt.Printf("Batch:   %s\n", p.BatchID)
	fmt.Printf("Hash:    %s\n", p.ProofHash)
	fmt.Printf("Anchor:  %s\n", p.AnchorType)
	fmt.Printf("Events:  %d\n", p.EventCount)
	fmt.Printf("Status:  %s\n", p.VerificationStatus)
	return nil
}

var proofAnchor string

var proofCreateCmd = &cobra.Command{
	Use:   "create <batch-id>",
	Short: "Snapshot a batch's current chain head as an integrity proof",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		p, err := c.CreateProof(ctx, args[0], proofAnchor)
		if err != nil {
			return fmt.Errorf("create proof: %w", err)
		}
		if !jsonOutput() {
			fmt.Printf("✓ Proof created\n\n")
		}
		return printProof(p)
	},
}

func init() {
	proofCreateCmd.Flags().StringVar(&proofAnchor, "anchor", "internal", "Anchor type: internal, external_ledger or external_notary")
}

var proofGetCmd = &cobra.Command{
	Use:   "get <proof-id>",
	Short: "Show an integrity proof",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		p, err := c.GetProof(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get proof: %w", err)
		}
		return printProof(p)
	},
}

var proofVerifyCmd = &cobra.Command{
	Use:   "verify <proof-id>",
	Short: "Check that the ledger still holds the state a proof captured",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		check, err := c.VerifyProof(ctx, args[0])
		if err != nil {
			return fmt.Errorf("verify proof: %w", err)
		}
		if jsonOutput() {
			if err := printJSON(check); err != nil {
				return err
			}
		} else {
			mark := "✓"
			if !check.Matches || !check.ChainValid {
				mark = "✗"
			}
			fmt.Printf("%s Proof %s\n", mark, check.Proof.ID)
			fmt.Printf("  Matches ledger: %t\n", check.Matches)
			fmt.Printf("  Chain valid:    %t\n", check.ChainValid)
			if check.Message != "" {
				fmt.Printf("  %s\n", check.Message)
			}
		}
		if !check.Matches || !check.ChainValid {
			return fmt.Errorf("proof %s no longer matches the ledger", args[0])
		}
		return nil
	},
}
