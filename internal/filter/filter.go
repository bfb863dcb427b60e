// Package filter evaluates a task's filter document against listings.
//
// Documents are lenient: unknown keys are ignored so older daemons keep
// working when the bot adds new filter kinds.
package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/andrwknv/steamwatch/internal/bus"
)

// Item types recognized in pattern_list.item_type. Keychain patterns have a
// wider seed space and no wear, so the type gates which checks apply.
const (
	ItemTypeSkin     = "skin"
	ItemTypeKeychain = "keychain"
)

const (
	maxSkinSeed     = 999
	maxKeychainSeed = 99999
)

// Doc is a parsed filter document. Nil pointer fields mean "not constrained".
type Doc struct {
	MaxPrice     *float64
	MinPrice     *float64
	WearMax      *float64
	WearMin      *float64
	Pattern      *PatternFilter
	NameContains string
	StickersAll  []string
}

// PatternFilter matches listings by pattern seed, gated by item type.
type PatternFilter struct {
	ItemType string
	Seeds    map[int]struct{}
}

type rawDoc struct {
	MaxPrice     *float64 `json:"max_price"`
	MinPrice     *float64 `json:"min_price"`
	WearMax      *float64 `json:"wear_max"`
	WearMin      *float64 `json:"wear_min"`
	NameContains string   `json:"name_contains"`
	StickersAll  []string `json:"stickers_all"`
	PatternList  *struct {
		ItemType string `json:"item_type"`
		Seeds    []int  `json:"seeds"`
	} `json:"pattern_list"`
}

// Parse decodes raw into a Doc. An empty or null document matches everything.
func Parse(raw json.RawMessage) (*Doc, error) {
	doc := &Doc{}
	if len(raw) == 0 {
		return doc, nil
	}
	var r rawDoc
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse filters: %w", err)
	}
	doc.MaxPrice = r.MaxPrice
	doc.MinPrice = r.MinPrice
	doc.WearMax = r.WearMax
	doc.WearMin = r.WearMin
	doc.NameContains = r.NameContains
	doc.StickersAll = r.StickersAll
	if r.PatternList != nil {
		pf := &PatternFilter{ItemType: r.PatternList.ItemType, Seeds: make(map[int]struct{}, len(r.PatternList.Seeds))}
		for _, s := range r.PatternList.Seeds {
			pf.Seeds[s] = struct{}{}
		}
		doc.Pattern = pf
	}
	return doc, nil
}

// Validate rejects documents that can never match sanely. Used at task
// creation; evaluation itself stays lenient.
func (d *Doc) Validate() error {
	if d.MaxPrice != nil && d.MinPrice != nil && *d.MaxPrice < *d.MinPrice {
		return fmt.Errorf("max_price %v below min_price %v", *d.MaxPrice, *d.MinPrice)
	}
	if d.WearMax != nil && d.WearMin != nil && *d.WearMax < *d.WearMin {
		return fmt.Errorf("wear_max %v below wear_min %v", *d.WearMax, *d.WearMin)
	}
	if d.Pattern != nil {
		maxSeed := maxSkinSeed
		switch d.Pattern.ItemType {
		case ItemTypeKeychain:
			maxSeed = maxKeychainSeed
		case ItemTypeSkin, "":
		default:
			return fmt.Errorf("unknown pattern item_type %q", d.Pattern.ItemType)
		}
		for seed := range d.Pattern.Seeds {
			if seed < 0 || seed > maxSeed {
				return fmt.Errorf("pattern seed %d outside 0..%d", seed, maxSeed)
			}
		}
	}
	return nil
}

// Matches reports whether the listing satisfies every configured predicate.
func (d *Doc) Matches(l bus.Listing) bool {
	// Both sides go through the same normalization, so a pasted full market
	// name ("StatTrak™ ... (Minimal Wear)") matches its own listing.
	if d.NameContains != "" &&
		!strings.Contains(NormalizeName(l.ItemName), NormalizeName(d.NameContains)) {
		return false
	}

	price := float64(l.PriceCents)
	if d.MaxPrice != nil && price > *d.MaxPrice {
		return false
	}
	if d.MinPrice != nil && price < *d.MinPrice {
		return false
	}

	// Keychains carry no wear; the item type gates the wear checks off.
	wearApplies := d.Pattern == nil || d.Pattern.ItemType != ItemTypeKeychain
	if wearApplies {
		if d.WearMax != nil {
			if l.Wear == nil || *l.Wear > *d.WearMax {
				return false
			}
		}
		if d.WearMin != nil {
			if l.Wear == nil || *l.Wear < *d.WearMin {
				return false
			}
		}
	}

	if d.Pattern != nil && len(d.Pattern.Seeds) > 0 {
		if l.PatternSeed == nil {
			return false
		}
		if _, ok := d.Pattern.Seeds[*l.PatternSeed]; !ok {
			return false
		}
	}

	if len(d.StickersAll) > 0 {
		have := make(map[string]struct{}, len(l.Stickers))
		for _, s := range l.Stickers {
			have[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
		}
		for _, want := range d.StickersAll {
			if _, ok := have[strings.ToLower(strings.TrimSpace(want))]; !ok {
				return false
			}
		}
	}

	return true
}

var (
	conditionSuffix = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	multiSpace      = regexp.MustCompile(`\s+`)
)

// NormalizeName lowers a market hash name to its comparable core: quality
// prefixes and the trailing condition parenthetical are stripped and
// whitespace collapsed.
func NormalizeName(name string) string {
	s := strings.ReplaceAll(name, "StatTrak™ ", "")
	s = strings.ReplaceAll(s, "Souvenir ", "")
	s = conditionSuffix.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}
