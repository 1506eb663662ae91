package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/store"
)

// refreshDescription regenerates the ticker's company profile when it is
// missing or older than maxAge. Profiles describe long-term characteristics,
// so a stale-but-present one is still serviceable: generation or persistence
// failures are logged and the run continues on the old text.
func refreshDescription(ctx context.Context, st store.Store, describer Describer, ticker *model.Ticker, maxAge time.Duration) {
	if ticker.Description != "" && ticker.DescriptionLastAnalyzed != nil {
		if time.Since(*ticker.DescriptionLastAnalyzed) < maxAge {
			return
		}
	}

	description, err := describer.GenerateDescription(ctx, ticker.Symbol, ticker.Name)
	if err != nil {
		zap.L().Warn("description generation failed",
			zap.String("ticker", ticker.Symbol),
			zap.Error(err),
		)
		return
	}
	if description == "" {
		zap.L().Warn("description generation returned empty text", zap.String("ticker", ticker.Symbol))
		return
	}

	now := time.Now().UTC()
	if err := st.UpdateTickerDescription(ctx, ticker.ID, description, now); err != nil {
		zap.L().Warn("description save failed",
			zap.String("ticker", ticker.Symbol),
			zap.Error(err),
		)
		return
	}

	ticker.Description = description
	ticker.DescriptionLastAnalyzed = &now
	zap.L().Info("description refreshed", zap.String("ticker", ticker.Symbol))
}
