// Package extract turns m.vk.com pages into posts, comments and profile
// bundles.
//
// Pages are split into per-entity segments at known markers and every field
// is read through an ordered ladder of strategies, so a markup change that
// breaks one selector degrades to the next instead of losing the entity.
package extract

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/dates"
)

// Extractor implements crawler.Extractor.
type Extractor struct {
	baseURL string
	dates   *dates.Normalizer
	now     func() time.Time
	logger  *zap.Logger
}

var _ crawler.Extractor = (*Extractor)(nil)

// New returns an Extractor that resolves relative links against baseURL and
// normalizes dates with normalizer.
func New(baseURL string, normalizer *dates.Normalizer, clock crawler.Clock, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Extractor{
		baseURL: strings.TrimRight(baseURL, "/"),
		dates:   normalizer,
		now:     func() time.Time { return now().UTC() },
		logger:  logger,
	}
}
