package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ternmail/tern/analyzer"
)

// StoredAnalysis is a persisted analyzer result for one message.
type StoredAnalysis struct {
	MessageID      int64              `json:"messageId"`
	Sentiment      string             `json:"sentiment"`
	SentimentScore float64            `json:"sentimentScore"`
	Priority       string             `json:"priority"`
	PriorityScore  float64            `json:"priorityScore"`
	Category       string             `json:"category"`
	Keywords       []analyzer.Keyword `json:"keywords"`
	AnalyzedAt     time.Time          `json:"analyzedAt"`
}

// StoreAnalysis upserts the analysis for a message. Analysis is
// deterministic, so replacing an existing row is always safe.
func (db *Database) StoreAnalysis(ctx context.Context, messageID int64, result analyzer.Result) (*StoredAnalysis, error) {
	keywordsJSON, err := json.Marshal(result.Keywords)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keywords: %w", err)
	}

	stored := StoredAnalysis{MessageID: messageID}
	var storedKeywords []byte
	err = db.GetWritePool().QueryRow(ctx, `
		INSERT INTO message_analysis (message_id, sentiment, sentiment_score, priority, priority_score, category, keywords)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO UPDATE SET
			sentiment = EXCLUDED.sentiment,
			sentiment_score = EXCLUDED.sentiment_score,
			priority = EXCLUDED.priority,
			priority_score = EXCLUDED.priority_score,
			category = EXCLUDED.category,
			keywords = EXCLUDED.keywords,
			analyzed_at = now()
		RETURNING sentiment, sentiment_score, priority, priority_score, category, keywords, analyzed_at
	`, messageID, result.Sentiment.Sentiment, result.Sentiment.Score,
		result.Priority.Priority, result.Priority.Score, result.Category, keywordsJSON).Scan(
		&stored.Sentiment, &stored.SentimentScore, &stored.Priority,
		&stored.PriorityScore, &stored.Category, &storedKeywords, &stored.AnalyzedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(storedKeywords, &stored.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode keywords: %w", err)
	}
	return &stored, nil
}

// GetAnalysis fetches the stored analysis for a message scoped to an account.
func (db *Database) GetAnalysis(ctx context.Context, messageID, accountID int64) (*StoredAnalysis, error) {
	stored := StoredAnalysis{MessageID: messageID}
	var keywordsJSON []byte
	err := db.TimedQueryRow(ctx, "get_analysis", `
		SELECT a.sentiment, a.sentiment_score, a.priority, a.priority_score, a.category, a.keywords, a.analyzed_at
		FROM message_analysis a
		JOIN messages m ON m.id = a.message_id
		WHERE a.message_id = $1 AND m.account_id = $2 AND m.deleted_at IS NULL
	`, messageID, accountID).Scan(&stored.Sentiment, &stored.SentimentScore,
		&stored.Priority, &stored.PriorityScore, &stored.Category, &keywordsJSON, &stored.AnalyzedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalysisNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(keywordsJSON, &stored.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode keywords: %w", err)
	}
	return &stored, nil
}

// CategoryCount is one bucket of the category distribution.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// GetCategoryDistribution returns how many analyzed messages fall into each
// category for an account.
func (db *Database) GetCategoryDistribution(ctx context.Context, accountID int64) ([]CategoryCount, error) {
	rows, err := db.TimedQuery(ctx, "get_category_distribution", `
		SELECT a.category, count(*)
		FROM message_analysis a
		JOIN messages m ON m.id = a.message_id
		WHERE m.account_id = $1 AND m.deleted_at IS NULL
		GROUP BY a.category
		ORDER BY count(*) DESC, a.category
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []CategoryCount{}
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
