// Package client is the Go SDK for the scantotrust provenance tracker API.
//
// It wraps the tracker's HTTP endpoints: registering batches, reading and
// verifying timelines, authorizing and redeeming custody transfers, and
// fetching daily Merkle roots with inclusion proofs.
//
// # Registering a batch
//
//	c, err := client.New("https://tracker.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.CreateBatch(ctx, client.CreateBatchRequest{
//	    BatchID:     "LOT-2025-0042",
//	    ProductName: "Arabica green beans",
//	    Price:       decimal.NewNullDecimal(decimal.RequireFromString("10.00")),
//	    Owner:       client.Owner{ID: "farm-17", Code: ownerCode},
//	})
//
// # Handing off custody
//
// The current holder authorizes the next one and passes the returned code on
// out of band:
//
//	tok, err := c.Authorize(ctx, "LOT-2025-0042", "farm-17", ownerCode, client.AuthorizeRequest{
//	    NextRole:    "manufacturer",
//	    NextOwnerID: "mill-3",
//	})
//
// The next holder redeems it:
//
//	ev, err := c.Handoff(ctx, "LOT-2025-0042", client.HandoffRequest{
//	    Role:  "manufacturer",
//	    Code:  tok.Code,
//	    Actor: client.Actor{ID: "mill-3"},
//	})
//
// Failures come back as *APIError; its Code field carries the tracker's
// stable reason ("expired", "already_used", ...).
//
// # Admin operations
//
// Deleting batches and triggering anchoring require an admin token:
//
//	c, err := client.New(base, client.WithBearerToken(adminJWT))
//	root, err := c.AnchorDaily(ctx, "2025-03-04")
package client
