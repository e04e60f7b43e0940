// internal/blockchain/solbc/error_analyzer.go
package solbc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"
)

// AnchorError represents an error from Anchor framework
type AnchorError struct {
	Code int
	Name string
	Msg  string
}

// Rejection describes a transaction the node refused to accept.
type Rejection struct {
	Code    int
	Message string
	Logs    []string
	Anchor  *AnchorError
}

// analyzeRejection returns nil when err is not a node-side RPC error,
// i.e. when a different node might answer differently.
func analyzeRejection(err error) *Rejection {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}
	rej := &Rejection{Code: rpcErr.Code, Message: rpcErr.Message}

	dataMap, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return rej
	}
	logs, _ := dataMap["logs"].([]interface{})
	for _, entry := range logs {
		line, ok := entry.(string)
		if !ok {
			continue
		}
		rej.Logs = append(rej.Logs, line)
		if strings.Contains(line, "AnchorError occurred") {
			anchor := parseAnchorErrorLog(line)
			rej.Anchor = &anchor
		}
	}
	return rej
}

func (r *Rejection) fields() []zap.Field {
	fields := []zap.Field{zap.Int("code", r.Code), zap.String("message", r.Message)}
	if r.Anchor != nil {
		fields = append(fields,
			zap.Int("anchor_code", r.Anchor.Code),
			zap.String("anchor_name", r.Anchor.Name),
			zap.String("anchor_message", r.Anchor.Msg))
	}
	if len(r.Logs) > 0 {
		fields = append(fields, zap.Strings("logs", r.Logs))
	}
	return fields
}

// parseAnchorErrorLog parses an Anchor error log string
// Example: "Program log: AnchorError occurred. Error Code: InstructionFallbackNotFound. Error Number: 101. Error Message: Fallback functions are not supported."
func parseAnchorErrorLog(logStr string) AnchorError {
	result := AnchorError{}

	if parts := strings.SplitN(logStr, "Error Number:", 2); len(parts) == 2 {
		fmt.Sscanf(strings.TrimSpace(strings.Split(parts[1], ".")[0]), "%d", &result.Code)
	}
	if parts := strings.SplitN(logStr, "Error Code:", 2); len(parts) == 2 {
		result.Name = strings.TrimSpace(strings.Split(parts[1], ".")[0])
	}
	if parts := strings.SplitN(logStr, "Error Message:", 2); len(parts) == 2 {
		result.Msg = strings.TrimSpace(strings.Split(parts[1], ".")[0])
	}
	return result
}
