package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/source"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertSubject(ctx context.Context, subj *source.Subject) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO politicians (id, name, party, position)
		VALUES (:id, :name, :party, :position)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			party = excluded.party,
			position = excluded.position
	`, subj)
	if err != nil {
		return fmt.Errorf("upsert subject %s: %w", subj.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSubject(ctx context.Context, id string) (*source.Subject, error) {
	var subj source.Subject
	err := s.db.GetContext(ctx, &subj, "SELECT * FROM politicians WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subject %s: %w", id, err)
	}
	return &subj, nil
}

func (s *SQLiteStore) FindSubjects(ctx context.Context, name string) ([]source.Subject, error) {
	var subjects []source.Subject
	if err := s.db.SelectContext(ctx, &subjects, "SELECT * FROM politicians WHERE name = ? ORDER BY id", name); err != nil {
		return nil, fmt.Errorf("find subjects %q: %w", name, err)
	}
	return subjects, nil
}

func (s *SQLiteStore) ListSubjects(ctx context.Context) ([]source.Subject, error) {
	var subjects []source.Subject
	if err := s.db.SelectContext(ctx, &subjects, "SELECT * FROM politicians ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []source.Item) error {
	for i := range items {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO collected_items (id, subject_id, category, title, content, source_url, source_name,
				published_date, collector_agent, source_type, collected_at)
			VALUES (:id, :subject_id, :category, :title, :content, :source_url, :source_name,
				:published_date, :collector_agent, :source_type, :collected_at)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				source_name = excluded.source_name,
				published_date = excluded.published_date,
				source_type = excluded.source_type,
				collected_at = excluded.collected_at
		`, &items[i])
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", items[i].ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, f ItemFilter) ([]source.Item, error) {
	query := "SELECT * FROM collected_items WHERE 1=1"
	var args []any

	if f.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, f.SubjectID)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Unevaluated != "" {
		query += " AND id NOT IN (SELECT collected_item_id FROM evaluations WHERE evaluator_agent = ?)"
		args = append(args, f.Unevaluated)
	}

	query += " ORDER BY published_date, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var items []source.Item
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) UpsertEvaluations(ctx context.Context, evs []evaluate.Evaluation) error {
	for i := range evs {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO evaluations (id, collected_item_id, subject_id, category, evaluator_agent,
				rating_label, score, rationale, evaluated_at)
			VALUES (:id, :collected_item_id, :subject_id, :category, :evaluator_agent,
				:rating_label, :score, :rationale, :evaluated_at)
			ON CONFLICT(collected_item_id, evaluator_agent) DO UPDATE SET
				category = excluded.category,
				rating_label = excluded.rating_label,
				score = excluded.score,
				rationale = excluded.rationale,
				evaluated_at = excluded.evaluated_at
		`, &evs[i])
		if err != nil {
			return fmt.Errorf("upsert evaluation %s/%s: %w", evs[i].ItemID, evs[i].Evaluator, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context, f EvalFilter) ([]evaluate.Evaluation, error) {
	query := "SELECT * FROM evaluations WHERE 1=1"
	var args []any

	if f.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, f.SubjectID)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Evaluator != "" {
		query += " AND evaluator_agent = ?"
		args = append(args, f.Evaluator)
	}
	query += " ORDER BY evaluator_agent, category, collected_item_id"

	var evs []evaluate.Evaluation
	if err := s.db.SelectContext(ctx, &evs, query, args...); err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return evs, nil
}

func (s *SQLiteStore) ListEvaluators(ctx context.Context, subjectID string) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names,
		"SELECT DISTINCT evaluator_agent FROM evaluations WHERE subject_id = ? ORDER BY evaluator_agent", subjectID)
	if err != nil {
		return nil, fmt.Errorf("list evaluators %s: %w", subjectID, err)
	}
	return names, nil
}

func (s *SQLiteStore) UpsertCategoryScore(ctx context.Context, cs *CategoryScore) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO category_scores (subject_id, category, evaluator_agent, profile, score, item_count, excluded_count, computed_at)
		VALUES (:subject_id, :category, :evaluator_agent, :profile, :score, :item_count, :excluded_count, :computed_at)
		ON CONFLICT(subject_id, category, evaluator_agent, profile) DO UPDATE SET
			score = excluded.score,
			item_count = excluded.item_count,
			excluded_count = excluded.excluded_count,
			computed_at = excluded.computed_at
	`, cs)
	if err != nil {
		return fmt.Errorf("upsert category score %s/%s/%s: %w", cs.SubjectID, cs.Category, cs.Evaluator, err)
	}
	return nil
}

func (s *SQLiteStore) ListCategoryScores(ctx context.Context, subjectID, evaluator, profile string) ([]CategoryScore, error) {
	query := "SELECT * FROM category_scores WHERE subject_id = ? AND profile = ?"
	args := []any{subjectID, profile}
	if evaluator != "" {
		query += " AND evaluator_agent = ?"
		args = append(args, evaluator)
	}
	query += " ORDER BY evaluator_agent, category"

	var scores []CategoryScore
	if err := s.db.SelectContext(ctx, &scores, query, args...); err != nil {
		return nil, fmt.Errorf("list category scores %s: %w", subjectID, err)
	}
	return scores, nil
}

func (s *SQLiteStore) UpsertFinalScore(ctx context.Context, fs *FinalScore) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO final_scores (subject_id, evaluator_agent, profile, score, grade_code, grade_name, grade_label, computed_at)
		VALUES (:subject_id, :evaluator_agent, :profile, :score, :grade_code, :grade_name, :grade_label, :computed_at)
		ON CONFLICT(subject_id, evaluator_agent, profile) DO UPDATE SET
			score = excluded.score,
			grade_code = excluded.grade_code,
			grade_name = excluded.grade_name,
			grade_label = excluded.grade_label,
			computed_at = excluded.computed_at
	`, fs)
	if err != nil {
		return fmt.Errorf("upsert final score %s/%s: %w", fs.SubjectID, fs.Evaluator, err)
	}
	return nil
}

func (s *SQLiteStore) GetFinalScore(ctx context.Context, subjectID, evaluator, profile string) (*FinalScore, error) {
	var fs FinalScore
	err := s.db.GetContext(ctx, &fs,
		"SELECT * FROM final_scores WHERE subject_id = ? AND evaluator_agent = ? AND profile = ?",
		subjectID, evaluator, profile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("final score %s/%s/%s: %w", subjectID, evaluator, profile, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get final score %s/%s: %w", subjectID, evaluator, err)
	}
	return &fs, nil
}

func (s *SQLiteStore) ListFinalScores(ctx context.Context, f FinalFilter) ([]FinalScore, error) {
	query := "SELECT * FROM final_scores WHERE profile = ?"
	args := []any{f.Profile}
	if f.Evaluator != "" {
		query += " AND evaluator_agent = ?"
		args = append(args, f.Evaluator)
	}
	query += " ORDER BY score DESC, subject_id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var scores []FinalScore
	if err := s.db.SelectContext(ctx, &scores, query, args...); err != nil {
		return nil, fmt.Errorf("list final scores: %w", err)
	}
	return scores, nil
}

func (s *SQLiteStore) DeleteScores(ctx context.Context, subjectID, evaluator, profile string, categories []source.Category) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete scores: %w", err)
	}
	defer tx.Rollback()

	for _, cat := range categories {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM category_scores WHERE subject_id = ? AND category = ? AND evaluator_agent = ? AND profile = ?",
			subjectID, string(cat), evaluator, profile)
		if err != nil {
			return fmt.Errorf("delete category score %s/%s/%s: %w", subjectID, cat, evaluator, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM final_scores WHERE subject_id = ? AND evaluator_agent = ? AND profile = ?",
		subjectID, evaluator, profile)
	if err != nil {
		return fmt.Errorf("delete final score %s/%s: %w", subjectID, evaluator, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete scores: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteItems(ctx context.Context, dels []Deletion) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, d := range dels {
		if _, err := tx.ExecContext(ctx, "DELETE FROM evaluations WHERE collected_item_id = ?", d.ItemID); err != nil {
			return 0, fmt.Errorf("delete evaluations of %s: %w", d.ItemID, err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM collected_items WHERE id = ?", d.ItemID)
		if err != nil {
			return 0, fmt.Errorf("delete item %s: %w", d.ItemID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		removed++

		if d.DeletedAt.IsZero() {
			d.DeletedAt = time.Now().UTC()
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO item_deletions (item_id, subject_id, report_id, reason, deleted_at)
			VALUES (:item_id, :subject_id, :report_id, :reason, :deleted_at)
		`, d)
		if err != nil {
			return 0, fmt.Errorf("audit deletion %s: %w", d.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return removed, nil
}

func (s *SQLiteStore) ListDeletions(ctx context.Context, subjectID string) ([]Deletion, error) {
	var dels []Deletion
	err := s.db.SelectContext(ctx, &dels, `
		SELECT item_id, subject_id, report_id, reason, deleted_at
		FROM item_deletions WHERE subject_id = ? ORDER BY id
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list deletions %s: %w", subjectID, err)
	}
	return dels, nil
}
