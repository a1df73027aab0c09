package exchange

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/jxskiss/base62"
)

// clientIDPrefix marks orders placed by this bot.
const clientIDPrefix = "hb"

// ClientOrderID derives a deterministic client order id so a resubmission of
// the same leg is recognised by the exchange instead of filling twice.
func ClientOrderID(symbol, timeframe, kind string, candleIdentity int64, leg int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d", symbol, timeframe, kind, candleIdentity, leg)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return clientIDPrefix + base62.EncodeToString(buf[:])
}
