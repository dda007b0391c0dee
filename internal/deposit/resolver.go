package deposit

import (
	"regexp"
	"strings"

	"github.com/dukerupert/commonfund/internal/model"
)

// Tag is the wallet reference found in a transfer memo. The zero Tag is the
// unrecognized variant.
type Tag struct {
	Kind     model.WalletKind
	WalletID string
	Match    string
}

// Recognized reports whether the memo named a wallet.
func (t Tag) Recognized() bool {
	return t.Kind != ""
}

type memoPattern struct {
	prefix string
	kind   model.WalletKind
}

// Longer prefixes come before the shorter ones they start with.
var memoPatterns = []memoPattern{
	{"FAMILY_", model.KindFamily},
	{"FAM_", model.KindFamily},
	{"family", model.KindFamily},
	{"COMMUNITY_", model.KindCommunity},
	{"COM_", model.KindCommunity},
	{"WALLET_", model.KindCommunity},
	{"community", model.KindCommunity},
}

var memoRegexp = buildMemoRegexp(memoPatterns)

func buildMemoRegexp(patterns []memoPattern) *regexp.Regexp {
	alts := make([]string, len(patterns))
	for i, p := range patterns {
		alts[i] = regexp.QuoteMeta(p.prefix)
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(alts, "|") + `)([a-z0-9]+)`)
}

// Resolve extracts the first wallet tag from memo, scanning left to right.
// Wallet IDs are lowercased since banks often upper-case transfer content.
func Resolve(memo string) Tag {
	m := memoRegexp.FindStringSubmatch(memo)
	if m == nil {
		return Tag{}
	}
	for _, p := range memoPatterns {
		if strings.EqualFold(m[1], p.prefix) {
			return Tag{Kind: p.kind, WalletID: strings.ToLower(m[2]), Match: m[0]}
		}
	}
	return Tag{}
}
