// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import "github.com/coinffeine/stepswap/dex"

// blacklist is the per-session set of counterpart ids an exchange
// ProtocolViolation has burned. It never persists across process restart:
// a fresh session gives every counterpart a clean slate.
type blacklist struct {
	ids map[dex.OverlayId]struct{}
}

func newBlacklist() *blacklist {
	return &blacklist{ids: make(map[dex.OverlayId]struct{})}
}

func (b *blacklist) add(id dex.OverlayId) {
	b.ids[id] = struct{}{}
}

func (b *blacklist) contains(id dex.OverlayId) bool {
	_, ok := b.ids[id]
	return ok
}
