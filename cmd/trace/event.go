package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/agrotrace/pkg/client"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Append and list trace events",
}

func init() {
	eventCmd.AddCommand(eventAppendCmd)
	eventCmd.AddCommand(eventListCmd)
}

func printEvents(events []client.Event) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tTIMESTAMP\tACTOR\tLOCATION\tHASH")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ev.Sequence, ev.Type, ev.Timestamp.Format(time.RFC3339), ev.Actor, ev.Location, shortHash(ev.Hash))
	}
	_ = w.Flush()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}

// ── event append ─────────────────────────────────────────────────────────────

var (
	evType        string
	evDescription string
	evLocation    string
	evTimestamp   string
	evActor       string
	evEvidence    string
	evMeta        []string
)

var eventAppendCmd = &cobra.Command{
	Use:   "append <batch-id>",
	Short: "Append an event to the tail of a batch's chain",
	Long: `append records a provenance event. The server links it to the previous
event by hash; the event can never be edited afterwards.

  trace event append 9f1c... --type harvest --location "Finca El Olivo" \
      --meta crate=17 --meta picker=team-b`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts := time.Now().UTC()
		if evTimestamp != "" {
			var err error
			if ts, err = time.Parse(time.RFC3339Nano, evTimestamp); err != nil {
				return fmt.Errorf("--timestamp: %w", err)
			}
		}
		meta, err := parseMeta(evMeta)
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		ev, err := c.AppendEvent(ctx, args[0], client.AppendEventRequest{
			Type:        evType,
			Description: evDescription,
			Location:    evLocation,
			Timestamp:   ts,
			Actor:       evActor,
			Metadata:    meta,
			EvidenceURI: evEvidence,
		})
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if jsonOutput() {
			return printJSON(ev)
		}
		fmt.Printf("✓ Event %d appended\n\n", ev.Sequence)
		fmt.Printf("  ID:       %s\n", ev.ID)
		fmt.Printf("  Hash:     %s\n", ev.Hash)
		fmt.Printf("  Previous: %s\n", ev.PreviousHash)
		return nil
	},
}

// parseMeta turns repeated key=value flags into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--meta %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	eventAppendCmd.Flags().StringVar(&evType, "type", "", "Event type: harvest, processing, packaging, quality_check, shipment, certification or custom")
	eventAppendCmd.Flags().StringVar(&evDescription, "description", "", "Free-text description")
	eventAppendCmd.Flags().StringVar(&evLocation, "location", "", "Where the event happened")
	eventAppendCmd.Flags().StringVar(&evTimestamp, "timestamp", "", "When the event happened, RFC 3339 (default now)")
	eventAppendCmd.Flags().StringVar(&evActor, "actor", "", "Who performed the event (ignored when the server authenticates writers)")
	eventAppendCmd.Flags().StringVar(&evEvidence, "evidence", "", "URI of supporting evidence (photo, certificate)")
	eventAppendCmd.Flags().StringArrayVar(&evMeta, "meta", nil, "Metadata as key=value (repeatable, not hashed)")

	_ = eventAppendCmd.MarkFlagRequired("type")
}

// ── event list ───────────────────────────────────────────────────────────────

var eventListCmd = &cobra.Command{
	Use:   "list <batch-id>",
	Short: "List a batch's events in chain order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		events, err := c.ListEvents(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		if jsonOutput() {
			return printJSON(events)
		}
		printEvents(events)
		return nil
	},
}
