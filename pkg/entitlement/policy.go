// Package entitlement decides whether a user may download a book.
package entitlement

import (
	"github.com/shopspring/decimal"

	"ebookstore/pkg/domain"
)

// DefaultMaxDownloads is the paid-book download quota used when none is configured.
const DefaultMaxDownloads = 3

// Policy evaluates download eligibility. It holds no state besides the quota
// and never touches storage.
type Policy struct {
	maxDownloads int
}

// NewPolicy returns a policy with the given paid-book quota.
// Non-positive values fall back to DefaultMaxDownloads.
func NewPolicy(maxDownloads int) Policy {
	if maxDownloads <= 0 {
		maxDownloads = DefaultMaxDownloads
	}
	return Policy{maxDownloads: maxDownloads}
}

// MaxDownloads returns the paid-book quota.
func (p Policy) MaxDownloads() int {
	if p.maxDownloads <= 0 {
		return DefaultMaxDownloads
	}
	return p.maxDownloads
}

// Evaluate applies the rules in order: free books are always downloadable and
// unlimited; paid books need an entitlement and are capped at MaxDownloads.
func (p Policy) Evaluate(price decimal.Decimal, ent *domain.Entitlement) domain.DownloadDecision {
	if price.IsZero() {
		return domain.DownloadDecision{
			CanDownload:  true,
			IsPurchased:  true,
			IsFree:       true,
			MaxDownloads: domain.UnlimitedDownloads,
		}
	}
	limit := p.MaxDownloads()
	if ent == nil {
		return domain.DownloadDecision{MaxDownloads: limit}
	}
	return domain.DownloadDecision{
		CanDownload:      ent.DownloadCount < limit,
		IsPurchased:      true,
		DownloadCount:    ent.DownloadCount,
		MaxDownloads:     limit,
		LastDownloadedAt: ent.LastDownloadedAt,
	}
}
