package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/agrotrace/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	token        string
	cfgFile      string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trace",
	Short: "agrotrace provenance ledger CLI",
	Long: `trace is the command-line interface for the agrotrace provenance ledger.

Producers use it to register batches and record trace events; auditors use it
to verify chains and integrity proofs; anyone can look up the public
traceability document printed on a label.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.agrotrace")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("agrotrace")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.agrotrace/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "agrotrace server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "producer token for write commands (or AGROTRACE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds a client from the persistent flags.
func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(serverURL, opts...)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// printJSON writes v indented to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput() bool { return outputFormat == "json" }

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <batch-id>",
	Short: "Verify the integrity of a batch's event chain",
	Long: `verify asks the server to recompute every event hash of a batch and check
the linkage between them. Detected tampering is printed and the command exits
non-zero.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		report, err := c.Verify(ctx, args[0])
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if jsonOutput() {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			printReport(report)
		}
		if !report.Valid {
			return fmt.Errorf("chain integrity check failed with %d finding(s)", len(report.Errors))
		}
		return nil
	},
}

func printReport(r *client.VerificationReport) {
	if r.Valid {
		fmt.Printf("✓ Chain valid (%d events)\n", r.EventsChecked)
	} else {
		fmt.Printf("✗ Chain INVALID (%d events, %d findings)\n", r.EventsChecked, len(r.Errors))
	}
	fmt.Printf("  Head: %s\n", r.ChainHash)
	for _, f := range r.Errors {
		if f.Sequence != nil {
			fmt.Printf("  - [%s] event %d: %s\n", f.Kind, *f.Sequence, f.Message)
		} else {
			fmt.Printf("  - [%s] %s\n", f.Kind, f.Message)
		}
	}
}

// ── show ─────────────────────────────────────────────────────────────────────

var showCmd = &cobra.Command{
	Use:   "show <code>",
	Short: "Show the public traceability document for a batch code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverURL)
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		doc, err := c.GetTraceability(ctx, args[0])
		if err != nil {
			return fmt.Errorf("show %s: %w", args[0], err)
		}
		if jsonOutput() {
			return printJSON(doc)
		}

		b := doc.Batch
		fmt.Printf("Batch:    %s (%s)\n", b.Code, b.Status)
		if b.Origin != "" {
			fmt.Printf("Origin:   %s\n", b.Origin)
		}
		if b.Variety != "" {
			fmt.Printf("Variety:  %s\n", b.Variety)
		}
		if b.Quantity > 0 {
			fmt.Printf("Quantity: %g %s\n", b.Quantity, b.Unit)
		}
		fmt.Println()
		printEvents(doc.Events)
		fmt.Println()
		printReport(&doc.Verification)
		for _, p := range doc.Proofs {
			fmt.Printf("  Proof %s: %s anchor, %s at event %d\n", p.ID, p.AnchorType, p.VerificationStatus, p.EventCount)
		}
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trace CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trace %s (agrotrace)\n", version)
	},
}
