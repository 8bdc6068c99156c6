package oracle

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidAssetID is returned for identifiers that are neither a feed id
// nor a feed symbol.
var ErrInvalidAssetID = errors.New("oracle: invalid asset identifier")

// feedIDRegex matches a 32-byte hex price feed id, optionally 0x-prefixed.
// Example: 0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43
var feedIDRegex = regexp.MustCompile(`^(0x)?([0-9a-f]{64})$`)

// symbolRegex matches Class.BASE/QUOTE feed symbols.
// Example: Crypto.BTC/USD
var symbolRegex = regexp.MustCompile(`^([A-Za-z]+)\.([A-Z0-9]+)/([A-Z]+)$`)

// ParseAssetID validates an asset identifier and returns its canonical
// form: lowercase hex without 0x for feed ids, unchanged for symbols.
func ParseAssetID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if m := feedIDRegex.FindStringSubmatch(strings.ToLower(id)); m != nil {
		return m[2], nil
	}
	if symbolRegex.MatchString(id) {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q (expected 32-byte hex feed id or Class.BASE/QUOTE)",
		ErrInvalidAssetID, id)
}

// IsFeedID reports whether a canonical asset id is a hex feed id.
func IsFeedID(id string) bool {
	return feedIDRegex.MatchString(id)
}
