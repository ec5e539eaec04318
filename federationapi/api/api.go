// Package api defines the outbound half of federation: the Sender
// contract federationapi/queue drives to actually deliver PDUs to remote
// servers. Like roomserver/api.FederationClient, this module never
// implements the HTTP transport itself (out of scope per spec.md §1); a
// caller injects a concrete Sender.
package api

import (
	"context"
	"encoding/json"

	"github.com/meshline-im/meshline/roomserver/types"
)

// Transaction is one federation /send batch: a named destination server,
// the PDUs for it, and any bundled EDUs (ephemeral data units — presence,
// typing, etc. — carried as opaque JSON since their contents are outside
// this module's scope).
type Transaction struct {
	TransactionID string
	Origin        string
	Destination   string
	PDUs          []*types.PDU
	EDUs          []json.RawMessage
}

// Sender delivers one transaction to a remote server and reports whether
// it was accepted.
type Sender interface {
	SendTransaction(ctx context.Context, txn Transaction) error
}
