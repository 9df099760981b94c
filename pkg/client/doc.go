// Package client is the Go SDK for the agrotrace provenance ledger API.
//
// It covers the producer write path (registering batches, appending events,
// sealing, taking integrity proofs) and the read path auditors and consumers
// use (verification reports and the public traceability document).
//
// # Writing as a producer
//
// Writes need a producer token when the server runs with auth enabled:
//
//	c, err := client.New("https://trace.example.com",
//	    client.WithBearerToken(os.Getenv("AGROTRACE_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	b, err := c.RegisterBatch(ctx, client.RegisterBatchRequest{Code: "OLV-2025-001"})
//	ev, err := c.AppendEvent(ctx, b.ID, client.AppendEventRequest{
//	    Type:      "harvest",
//	    Timestamp: time.Now(),
//	})
//
// # Reading the public document
//
// GetTraceability needs no token. WithCacheTTL keeps documents in memory,
// which suits kiosks and label printers that look the same code up often:
//
//	c := client.MustNew("https://trace.example.com", client.WithCacheTTL(time.Minute))
//	doc, err := c.GetTraceability(ctx, "OLV-2025-001")
package client
