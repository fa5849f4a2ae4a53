package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/google/uuid"
)

// completionRepo implements CompletionRepo on raw SQL.
type completionRepo struct {
	db  *sql.DB
	seq *sequenceCounter
}

func (r *completionRepo) SaveCompletion(ctx context.Context, rec *CompletionRecord) error {
	if rec.ContentHash == "" {
		return fmt.Errorf("save completion: content hash is required")
	}

	var existing string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM completions WHERE content_hash = ?`, rec.ContentHash,
	).Scan(&existing)
	switch {
	case err == nil:
		rec.ID = existing
		return r.saveAllLogprobs(ctx, rec)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup completion: %w", err)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	seqNum, err := r.seq.Next(ctx)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	rec.Sequence = seqNum

	var beamToken sql.NullString
	if rec.BeamToken != nil {
		raw, err := json.Marshal(rec.BeamToken)
		if err != nil {
			return fmt.Errorf("marshal beam token: %w", err)
		}
		beamToken = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO completions (
			id, sequence, created_at, prompt, model_id, text, prefill,
			beam_token, temperature, top_k, content_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Sequence,
		rec.CreatedAt.UnixMilli(),
		rec.Prompt,
		rec.ModelID,
		rec.Text,
		rec.Prefill,
		beamToken,
		rec.Temperature,
		rec.TopK,
		rec.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("save completion: %w", err)
	}

	return r.saveAllLogprobs(ctx, rec)
}

func (r *completionRepo) saveAllLogprobs(ctx context.Context, rec *CompletionRecord) error {
	for _, lp := range rec.Logprobs {
		if lp == nil {
			continue
		}
		if err := r.SaveLogprobs(ctx, rec.ID, lp); err != nil {
			return err
		}
	}
	return nil
}

func (r *completionRepo) SaveLogprobs(ctx context.Context, completionID string, lp *logprobs.Logprobs) error {
	if lp == nil {
		return fmt.Errorf("save logprobs: nil logprobs")
	}
	data, err := json.Marshal(lp)
	if err != nil {
		return fmt.Errorf("marshal logprobs: %w", err)
	}

	st := lp.Stats()
	_, err = r.db.ExecContext(ctx, `INSERT INTO completion_logprobs (
			completion_id, model_id, data, min_logprob, avg_logprob, scored,
			heuristic, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (completion_id, model_id) DO UPDATE SET
			data = excluded.data,
			min_logprob = excluded.min_logprob,
			avg_logprob = excluded.avg_logprob,
			scored = excluded.scored,
			heuristic = excluded.heuristic,
			updated_at = excluded.updated_at`,
		completionID,
		lp.ModelID,
		string(data),
		nullFloat(st.Min),
		nullFloat(st.Avg),
		nullFloat(st.Scored),
		logprobs.ScoreHeuristicVersion,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save logprobs for %s: %w", completionID, err)
	}
	return nil
}

const completionColumns = `id, sequence, created_at, prompt, model_id, text,
	prefill, beam_token, temperature, top_k, content_hash`

func (r *completionRepo) GetCompletion(ctx context.Context, id string) (*CompletionRecord, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+completionColumns+" FROM completions WHERE id = ?", id)
	rec, err := scanCompletion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	byID := map[string]*CompletionRecord{rec.ID: rec}
	if err := r.loadLogprobs(ctx, `WHERE completion_id = ?`, []any{id}, byID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *completionRepo) ListCompletions(ctx context.Context, prompt string) ([]CompletionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+completionColumns+" FROM completions WHERE prompt = ? ORDER BY sequence", prompt)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}

	var recs []*CompletionRecord
	for rows.Next() {
		rec, err := scanCompletion(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}

	byID := make(map[string]*CompletionRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}
	err = r.loadLogprobs(ctx,
		`WHERE completion_id IN (SELECT id FROM completions WHERE prompt = ?)`,
		[]any{prompt}, byID)
	if err != nil {
		return nil, err
	}

	out := make([]CompletionRecord, len(recs))
	for i, rec := range recs {
		out[i] = *rec
	}
	return out, nil
}

// loadLogprobs attaches stored logprobs to the records in byID.
func (r *completionRepo) loadLogprobs(ctx context.Context, where string, args []any, byID map[string]*CompletionRecord) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT completion_id, data FROM completion_logprobs "+where, args...)
	if err != nil {
		return fmt.Errorf("load logprobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("scan logprobs: %w", err)
		}
		rec, ok := byID[id]
		if !ok {
			continue
		}
		var lp logprobs.Logprobs
		if err := json.Unmarshal([]byte(data), &lp); err != nil {
			return fmt.Errorf("decode logprobs for %s: %w", id, err)
		}
		if rec.Logprobs == nil {
			rec.Logprobs = make(map[string]*logprobs.Logprobs)
		}
		rec.Logprobs[lp.ModelID] = &lp
	}
	return rows.Err()
}

func scanCompletion(s scanner) (*CompletionRecord, error) {
	var rec CompletionRecord
	var created int64
	var beamToken sql.NullString
	err := s.Scan(
		&rec.ID, &rec.Sequence, &created,
		&rec.Prompt, &rec.ModelID, &rec.Text, &rec.Prefill,
		&beamToken, &rec.Temperature, &rec.TopK, &rec.ContentHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan completion: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()

	if beamToken.Valid {
		var tok logprobs.Token
		if err := json.Unmarshal([]byte(beamToken.String), &tok); err != nil {
			return nil, fmt.Errorf("decode beam token of %s: %w", rec.ID, err)
		}
		rec.BeamToken = &tok
	}
	return &rec, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
