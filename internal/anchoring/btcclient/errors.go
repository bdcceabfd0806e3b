// Package btcclient provides the Bitcoin RPC facade the anchoring
// controller uses to discover funding and broadcast anchoring
// transactions, plus a scripted fake of the same interface for tests.
package btcclient

import (
	"errors"
	"fmt"
)

// ErrNoInformation is returned when a query has no answer — e.g. a getrawtransaction
// for a txid the connected node has never seen and isn't indexing.
var ErrNoInformation = errors.New("bitcoin rpc: no information")

// ErrTransport wraps a failure to reach or exchange data with the RPC endpoint.
var ErrTransport = errors.New("bitcoin rpc: transport error")

// RPCError reports a JSON-RPC error response from the Bitcoin node.
type RPCError struct {
	Code int32
	Msg  string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bitcoin rpc error %d: %s", e.Code, e.Msg)
}
