package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/agrotrace/pkg/client"
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Register, inspect and seal batches",
}

func init() {
	batchCmd.AddCommand(batchRegisterCmd)
	batchCmd.AddCommand(batchGetCmd)
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchSealCmd)
}

func printBatch(b *client.Batch) error {
	if jsonOutput() {
		return printJSON(b)
	}
	fmt.Printf("ID:      %s\n", b.ID)
	fmt.Printf("Code:    %s\n", b.Code)
	fmt.Printf("Status:  %s\n", b.Status)
	fmt.Printf("Events:  %d\n", b.EventCount)
	fmt.Printf("Head:    %s (%s)\n", b.ChainHeadHash, b.HashVersion)
	if b.SealedAt != nil {
		fmt.Printf("Sealed:  %s\n", b.SealedAt.Format(time.RFC3339))
	}
	return nil
}

// ── batch register ───────────────────────────────────────────────────────────

var (
	regOrigin   string
	regVariety  string
	regHarvest  string
	regQuantity float64
	regUnit     string
)

var batchRegisterCmd = &cobra.Command{
	Use:   "register <code>",
	Short: "Register a new batch with an empty event chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.RegisterBatchRequest{
			Code:     args[0],
			Origin:   regOrigin,
			Variety:  regVariety,
			Quantity: regQuantity,
			Unit:     regUnit,
		}
		if regHarvest != "" {
			d, err := time.Parse(time.DateOnly, regHarvest)
			if err != nil {
				return fmt.Errorf("--harvest-date: %w", err)
			}
			req.HarvestDate = d
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		b, err := c.RegisterBatch(ctx, req)
		if err != nil {
			return fmt.Errorf("register batch: %w", err)
		}
		if !jsonOutput() {
			fmt.Printf("✓ Batch registered\n\n")
		}
		return printBatch(b)
	},
}

func init() {
	batchRegisterCmd.Flags().StringVar(&regOrigin, "origin", "", "Place of production (e.g. \"Jaén, ES\")")
	batchRegisterCmd.Flags().StringVar(&regVariety, "variety", "", "Crop variety")
	batchRegisterCmd.Flags().StringVar(&regHarvest, "harvest-date", "", "Harvest date as YYYY-MM-DD")
	batchRegisterCmd.Flags().Float64Var(&regQuantity, "quantity", 0, "Batch quantity")
	batchRegisterCmd.Flags().StringVar(&regUnit, "unit", "kg", "Unit of --quantity")
}

// ── batch get ────────────────────────────────────────────────────────────────

var batchGetCmd = &cobra.Command{
	Use:   "get <batch-id>",
	Short: "Show a batch and its chain head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		b, err := c.GetBatch(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get batch: %w", err)
		}
		return printBatch(b)
	},
}

// ── batch list ───────────────────────────────────────────────────────────────

var (
	listLimit  int
	listOffset int
)

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches in registration order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		batches, err := c.ListBatches(ctx, listLimit, listOffset)
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}
		if jsonOutput() {
			return printJSON(batches)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCODE\tSTATUS\tEVENTS\tORIGIN")
		for _, b := range batches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", b.ID, b.Code, b.Status, b.EventCount, b.Origin)
		}
		return w.Flush()
	},
}

func init() {
	batchListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum batches to list (server caps at 200)")
	batchListCmd.Flags().IntVar(&listOffset, "offset", 0, "Batches to skip")
}

// ── batch seal ───────────────────────────────────────────────────────────────

var batchSealCmd = &cobra.Command{
	Use:   "seal <batch-id>",
	Short: "Seal a batch so no further events can be appended",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		b, err := c.SealBatch(ctx, args[0])
		if err != nil {
			return fmt.Errorf("seal batch: %w", err)
		}
		if !jsonOutput() {
			fmt.Printf("✓ Batch sealed\n\n")
		}
		return printBatch(b)
	},
}
