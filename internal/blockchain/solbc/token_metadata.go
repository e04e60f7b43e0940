// internal/blockchain/solbc/token_metadata.go
package solbc

import (
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Известные токены, для которых не нужен запрос к сети.
var knownDecimals = map[solana.PublicKey]uint8{
	solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"): 9, // wSOL
	solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"): 6, // USDC
	solana.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"): 6, // USDT
}

// decimalsCache хранит decimals минтов. Значение минта не меняется,
// поэтому TTL не нужен.
type decimalsCache struct {
	cache sync.Map
}

func (c *decimalsCache) get(mint solana.PublicKey) (uint8, bool) {
	if d, ok := knownDecimals[mint]; ok {
		return d, true
	}
	if v, ok := c.cache.Load(mint); ok {
		return v.(uint8), true
	}
	return 0, false
}

func (c *decimalsCache) put(mint solana.PublicKey, decimals uint8) {
	c.cache.Store(mint, decimals)
}
