package relay

import "encoding/base64"

// base64Encode renders b as standard base64, used for the binary-safety
// fallback documented in SPEC_FULL.md §3.
func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
