// Package fingerprint derives the stable identity used to de-duplicate
// listings per task. The same listing observed twice must always produce the
// same fingerprint; the unique constraint on found_items does the rest.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/andrwknv/steamwatch/internal/bus"
)

// New hashes (task, listing identity). The externally stable listing id wins
// when present; otherwise a deterministic composite of the identifying fields
// is used, with wear bucketed to its four-decimal representation so float
// noise cannot split one listing into many.
func New(taskID int64, l bus.Listing) string {
	var b strings.Builder
	b.WriteString("task:")
	b.WriteString(strconv.FormatInt(taskID, 10))
	b.WriteByte('|')

	if l.ListingID != "" {
		b.WriteString("id:")
		b.WriteString(l.ListingID)
	} else {
		b.WriteString(l.ItemName)
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(l.PriceCents, 10))
		b.WriteByte('|')
		b.WriteString(wearBucket(l.Wear))
		b.WriteByte('|')
		if l.PatternSeed != nil {
			b.WriteString(strconv.Itoa(*l.PatternSeed))
		} else {
			b.WriteByte('-')
		}
		b.WriteByte('|')
		if l.SellerOpaqueID != "" {
			b.WriteString(l.SellerOpaqueID)
		} else {
			b.WriteByte('-')
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func wearBucket(wear *float64) string {
	if wear == nil {
		return "-"
	}
	return strconv.FormatFloat(*wear, 'f', 4, 64)
}
