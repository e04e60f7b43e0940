// internal/blockchain/solbc/rpc/errors.go
package rpc

import (
	"errors"
	"fmt"
)

// ErrNoRPCNodes возникает, когда список узлов пуст
var ErrNoRPCNodes = errors.New("no RPC nodes available")

// NodeError ties a failed call to the node that answered it.
type NodeError struct {
	Method  string
	NodeURL string
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s on %s (attempt %d): %v", e.Method, e.NodeURL, e.Attempt, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// final wraps errors that every node would answer the same way.
type final struct{ err error }

func (f final) Error() string { return f.err.Error() }
func (f final) Unwrap() error { return f.err }

// Permanent marks an error that another node would answer the same way,
// for example a missing account or a rejected transaction.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return final{err: err}
}

// unwrapPermanent returns the inner error when err was marked Permanent.
func unwrapPermanent(err error) (error, bool) {
	var f final
	if errors.As(err, &f) {
		return f.err, true
	}
	return nil, false
}
