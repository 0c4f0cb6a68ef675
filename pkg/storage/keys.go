package storage

import (
	"fmt"
)

// Journal key schema:
//
//	rnd:{round}:{symbol}              → RoundRecord
//	fill:{symbol}\x00{round}:{orderID} → order.Fill
//	acct:{owner}\x00{round}:{orderID}  → order.Fill
//
// Rounds are zero-padded (20 digits) so keys sort by round. Symbols and
// owners end with a NUL byte so that no name is a key prefix of another
// ("bob" vs "bob:x").
const (
	prefixRound   = "rnd:"
	prefixFill    = "fill:"
	prefixAccount = "acct:"

	nameEnd = "\x00"
)

// roundKey returns the key for one instrument's round summary
func roundKey(round uint64, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixRound, round, symbol))
}

// fillKey returns the key for a fill, grouped by instrument
func fillKey(symbol string, round uint64, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", fillPrefix(symbol), round, orderID))
}

// fillPrefix returns the prefix for all fills of a symbol
func fillPrefix(symbol string) []byte {
	return []byte(prefixFill + symbol + nameEnd)
}

// accountFillKey returns the key for a fill, grouped by owner
func accountFillKey(owner string, round uint64, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", accountFillPrefix(owner), round, orderID))
}

func accountFillPrefix(owner string) []byte {
	return []byte(prefixAccount + owner + nameEnd)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
