package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"statusline/internal/domain"
)

// Repo is the SQLite query index. It mirrors the event log and the last
// snapshot; the event log stays authoritative.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertEvent stores an event unless its event_id is already indexed. It
// reports whether a row was written.
func (r Repo) InsertEvent(ctx context.Context, evt domain.StatusEvent) (bool, error) {
	return insertEvent(ctx, r.DB, evt)
}

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, evt domain.StatusEvent) (bool, error) {
	return insertEvent(ctx, tx, evt)
}

func insertEvent(ctx context.Context, x execer, evt domain.StatusEvent) (bool, error) {
	var evidence any
	if evt.Evidence != nil {
		b, err := json.Marshal(evt.Evidence)
		if err != nil {
			return false, fmt.Errorf("marshal evidence: %w", err)
		}
		evidence = string(b)
	}
	res, err := x.ExecContext(ctx, `INSERT OR IGNORE INTO status_events(event_id,feature_slug,wp_id,from_lane,to_lane,at,actor,forced,execution_mode,reason,review_ref,evidence_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		evt.EventID, evt.FeatureSlug, evt.WPID, string(evt.FromLane), string(evt.ToLane), evt.At, evt.Actor,
		boolInt(evt.Force), string(evt.ExecutionMode), nullable(evt.Reason), nullable(evt.ReviewRef), evidence)
	if err != nil {
		return false, fmt.Errorf("index event %s: %w", evt.EventID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReplaceSnapshotTx overwrites the indexed work-package states of a feature.
func (r Repo) ReplaceSnapshotTx(ctx context.Context, tx *sql.Tx, snap domain.Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_packages WHERE feature_slug=?`, snap.FeatureSlug); err != nil {
		return err
	}
	for wpID, st := range snap.WorkPackages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_packages(feature_slug,wp_id,lane,actor,last_event_id,last_transition_at,force_count) VALUES (?,?,?,?,?,?,?)`,
			snap.FeatureSlug, wpID, string(st.Lane), st.Actor, st.LastEventID, st.LastTransitionAt, st.ForceCount); err != nil {
			return fmt.Errorf("index work package %s: %w", wpID, err)
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO index_state(feature_slug,event_count,last_event_id,synced_at) VALUES (?,?,?,?)
ON CONFLICT(feature_slug) DO UPDATE SET event_count=excluded.event_count,last_event_id=excluded.last_event_id,synced_at=excluded.synced_at`,
		snap.FeatureSlug, snap.EventCount, nullable(snap.LastEventID), snap.MaterializedAt)
	return err
}

// ReplaceSnapshot is ReplaceSnapshotTx in its own transaction.
func (r Repo) ReplaceSnapshot(ctx context.Context, snap domain.Snapshot) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.ReplaceSnapshotTx(ctx, tx, snap); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFeatureTx removes every indexed row of a feature.
func (r Repo) DeleteFeatureTx(ctx context.Context, tx *sql.Tx, feature string) error {
	for _, table := range []string{"status_events", "work_packages", "index_state"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE feature_slug=?`, feature); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

type EventFilters struct {
	Feature  string
	WPID     string
	ToLane   domain.Lane
	Actor    string
	Forced   *bool
	Limit    int
	CursorAt string
	CursorID string
}

// ListEvents returns events newest first. The cursor is the (at, event_id)
// of the last row of the previous page.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.StatusEvent, error) {
	var clauses []string
	var args []any
	if f.Feature != "" {
		clauses = append(clauses, "feature_slug=?")
		args = append(args, f.Feature)
	}
	if f.WPID != "" {
		clauses = append(clauses, "wp_id=?")
		args = append(args, f.WPID)
	}
	if f.ToLane != "" {
		clauses = append(clauses, "to_lane=?")
		args = append(args, string(f.ToLane))
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Forced != nil {
		clauses = append(clauses, "forced=?")
		args = append(args, boolInt(*f.Forced))
	}
	if f.CursorAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(at < ? OR (at = ? AND event_id < ?))")
		args = append(args, f.CursorAt, f.CursorAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT event_id,feature_slug,wp_id,from_lane,to_lane,at,actor,forced,execution_mode,reason,review_ref,evidence_json FROM status_events ` + where + ` ORDER BY at DESC, event_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StatusEvent{}
	for rows.Next() {
		var (
			e                         domain.StatusEvent
			from, to, mode            string
			forced                    int
			reason, reviewRef, evJSON sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.FeatureSlug, &e.WPID, &from, &to, &e.At, &e.Actor, &forced, &mode, &reason, &reviewRef, &evJSON); err != nil {
			return nil, err
		}
		e.FromLane, e.ToLane = domain.Lane(from), domain.Lane(to)
		e.ExecutionMode = domain.ExecutionMode(mode)
		e.Force = forced != 0
		if reason.Valid {
			e.Reason = &reason.String
		}
		if reviewRef.Valid {
			e.ReviewRef = &reviewRef.String
		}
		if evJSON.Valid {
			var ev domain.DoneEvidence
			if err := json.Unmarshal([]byte(evJSON.String), &ev); err != nil {
				return nil, fmt.Errorf("decode evidence of %s: %w", e.EventID, err)
			}
			e.Evidence = &ev
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) GetWorkPackage(ctx context.Context, feature, wpID string) (domain.WPState, error) {
	var st domain.WPState
	var lane string
	err := r.DB.QueryRowContext(ctx, `SELECT lane,actor,last_event_id,last_transition_at,force_count FROM work_packages WHERE feature_slug=? AND wp_id=?`, feature, wpID).
		Scan(&lane, &st.Actor, &st.LastEventID, &st.LastTransitionAt, &st.ForceCount)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	st.Lane = domain.Lane(lane)
	return st, err
}

// CountByLane counts indexed work packages per lane. Every canonical lane is
// present in the result.
func (r Repo) CountByLane(ctx context.Context, feature string) (map[domain.Lane]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT lane, count(*) FROM work_packages WHERE feature_slug=? GROUP BY lane`, feature)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Lane]int{}
	for _, l := range domain.AllLanes() {
		res[l] = 0
	}
	for rows.Next() {
		var lane string
		var count int
		if err := rows.Scan(&lane, &count); err != nil {
			return nil, err
		}
		res[domain.Lane(lane)] = count
	}
	return res, rows.Err()
}

// IndexState records what the index last mirrored for a feature.
type IndexState struct {
	Feature     string  `json:"feature_slug"`
	EventCount  int     `json:"event_count"`
	LastEventID *string `json:"last_event_id"`
	SyncedAt    string  `json:"synced_at"`
}

func (r Repo) GetIndexState(ctx context.Context, feature string) (IndexState, error) {
	st := IndexState{Feature: feature}
	var last sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT event_count,last_event_id,synced_at FROM index_state WHERE feature_slug=?`, feature).
		Scan(&st.EventCount, &last, &st.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if last.Valid {
		st.LastEventID = &last.String
	}
	return st, err
}

// ListFeatures returns the features present in the index.
func (r Repo) ListFeatures(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT feature_slug FROM index_state ORDER BY feature_slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
