package fulfillment

import (
	"strconv"
	"strings"
	"time"
)

// TokenTTL is the fixed redemption window. Expiry is compared against the
// wall clock at read time; nothing sweeps expired tokens.
const TokenTTL = 5 * time.Minute

// TokenItem is one (medicine name, quantity) pair of a redemption token.
type TokenItem struct {
	MedicineName string
	Quantity     int
}

// EncodeToken renders purchase items as the machine-parseable token: name
// and quantity pairs chained with ':' and nothing else. Dispensing firmware
// parses this exact grammar offline, so the encoding is bit-exact and
// deterministic over the item order. Items must carry catalog names free of
// the ':' delimiter.
func EncodeToken(items []PurchaseItem) (string, error) {
	if len(items) == 0 {
		return "", Errf(KindValidation, "token requires at least one item")
	}
	parts := make([]string, 0, len(items)*2)
	for _, it := range items {
		if it.MedicineName == "" || strings.Contains(it.MedicineName, ":") {
			return "", Errf(KindValidation, "medicine name %q not encodable", it.MedicineName)
		}
		parts = append(parts, it.MedicineName, strconv.Itoa(it.Quantity))
	}
	return strings.Join(parts, ":"), nil
}

// DecodeToken parses a token back into its item pairs. Used by redemption
// validation and by machine-side tooling.
func DecodeToken(token string) ([]TokenItem, error) {
	if token == "" {
		return nil, Errf(KindValidation, "empty token")
	}
	parts := strings.Split(token, ":")
	if len(parts)%2 != 0 {
		return nil, Errf(KindValidation, "malformed token: odd field count")
	}
	items := make([]TokenItem, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		qty, err := strconv.Atoi(parts[i+1])
		if err != nil || qty <= 0 {
			return nil, Errf(KindValidation, "malformed token: bad quantity %q", parts[i+1])
		}
		if parts[i] == "" {
			return nil, Errf(KindValidation, "malformed token: empty medicine name")
		}
		items = append(items, TokenItem{MedicineName: parts[i], Quantity: qty})
	}
	return items, nil
}
