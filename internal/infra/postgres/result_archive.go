package postgres

import (
	"context"
	"fmt"
	"time"

	"classroom-round-service/internal/domain"
	"github.com/uptrace/bun"
)

// SessionResultModel is one finished session row.
type SessionResultModel struct {
	bun.BaseModel `bun:"table:session_results"`

	SessionID   string                    `bun:"session_id,pk"`
	DeckID      string                    `bun:"deck_id,notnull"`
	TotalRounds int                       `bun:"total_rounds,notnull"`
	Leaderboard []domain.LeaderboardEntry `bun:"leaderboard,type:jsonb"`
	FinishedAt  time.Time                 `bun:"finished_at,notnull"`
}

// ResultArchive writes finished sessions to the session_results table.
type ResultArchive struct {
	db *bun.DB
}

func NewResultArchive(db *bun.DB) *ResultArchive {
	return &ResultArchive{db: db}
}

// Archive upserts the final leaderboard of a session.
func (a *ResultArchive) Archive(ctx context.Context, result domain.SessionResult) error {
	row := &SessionResultModel{
		SessionID:   result.SessionID,
		DeckID:      result.DeckID,
		TotalRounds: result.TotalRounds,
		Leaderboard: result.Leaderboard,
		FinishedAt:  result.FinishedAt,
	}
	_, err := a.db.NewInsert().
		Model(row).
		On("CONFLICT (session_id) DO UPDATE").
		Set("leaderboard = EXCLUDED.leaderboard").
		Set("finished_at = EXCLUDED.finished_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", result.SessionID, err)
	}
	return nil
}

// Results lists archived sessions for a deck, newest first.
func (a *ResultArchive) Results(ctx context.Context, deckID string) ([]domain.SessionResult, error) {
	var rows []SessionResultModel
	err := a.db.NewSelect().
		Model(&rows).
		Where("deck_id = ?", deckID).
		OrderExpr("finished_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	out := make([]domain.SessionResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.SessionResult{
			SessionID:   r.SessionID,
			DeckID:      r.DeckID,
			TotalRounds: r.TotalRounds,
			Leaderboard: r.Leaderboard,
			FinishedAt:  r.FinishedAt,
		})
	}
	return out, nil
}
