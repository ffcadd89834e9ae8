package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/source"
)

// SupabaseStore implements Store against a Supabase project through its
// PostgREST endpoint. Upserts rely on the same unique keys as the SQLite
// schema.
type SupabaseStore struct {
	client *resty.Client
	policy retry.Policy
	// pageSize must not exceed the project's max-rows setting.
	pageSize int
}

// NewSupabase creates a store for the project at baseURL, authenticated with
// the service-role key.
func NewSupabase(baseURL, serviceKey string, timeout time.Duration, policy retry.Policy) (*SupabaseStore, error) {
	if baseURL == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service role key are required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/rest/v1").
		SetTimeout(timeout).
		SetHeader("apikey", serviceKey).
		SetAuthToken(serviceKey).
		SetHeader("Content-Type", "application/json")

	return &SupabaseStore{client: client, policy: policy, pageSize: 1000}, nil
}

func (s *SupabaseStore) Close() error { return nil }

func eq(v string) string { return "eq." + v }

func (s *SupabaseStore) get(ctx context.Context, table string, params url.Values, out any) error {
	return retry.Do(ctx, s.policy, "supabase", func(ctx context.Context) error {
		resp, err := s.client.R().
			SetContext(ctx).
			SetQueryParamsFromValues(params).
			Get("/" + table)
		if err != nil {
			return fmt.Errorf("select %s: %w", table, err)
		}
		if err := retry.CheckStatus("supabase "+table, resp.StatusCode(), resp.Body()); err != nil {
			return err
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s: %w", table, err))
		}
		return nil
	})
}

// getAll reads every matching row a page at a time. PostgREST caps a single
// response at max-rows without reporting it, so paging stops only on an
// empty page.
func getAll[T any](ctx context.Context, s *SupabaseStore, table string, params url.Values) ([]T, error) {
	var rows []T
	for {
		page := maps.Clone(params)
		page.Set("limit", strconv.Itoa(s.pageSize))
		page.Set("offset", strconv.Itoa(len(rows)))

		var batch []T
		if err := s.get(ctx, table, page, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return rows, nil
		}
		rows = append(rows, batch...)
	}
}

func (s *SupabaseStore) write(ctx context.Context, table, onConflict string, rows any) error {
	prefer := "return=minimal"
	params := url.Values{}
	if onConflict != "" {
		prefer = "resolution=merge-duplicates,return=minimal"
		params.Set("on_conflict", onConflict)
	}
	return retry.Do(ctx, s.policy, "supabase", func(ctx context.Context) error {
		resp, err := s.client.R().
			SetContext(ctx).
			SetHeader("Prefer", prefer).
			SetQueryParamsFromValues(params).
			SetBody(rows).
			Post("/" + table)
		if err != nil {
			return fmt.Errorf("write %s: %w", table, err)
		}
		return retry.CheckStatus("supabase "+table, resp.StatusCode(), resp.Body())
	})
}

func (s *SupabaseStore) remove(ctx context.Context, table string, params url.Values) (int, error) {
	var deleted []json.RawMessage
	err := retry.Do(ctx, s.policy, "supabase", func(ctx context.Context) error {
		resp, err := s.client.R().
			SetContext(ctx).
			SetHeader("Prefer", "return=representation").
			SetQueryParamsFromValues(params).
			Delete("/" + table)
		if err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		if err := retry.CheckStatus("supabase "+table, resp.StatusCode(), resp.Body()); err != nil {
			return err
		}
		deleted = deleted[:0]
		if len(resp.Body()) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Body(), &deleted)
	})
	return len(deleted), err
}

func (s *SupabaseStore) UpsertSubject(ctx context.Context, subj *source.Subject) error {
	if err := s.write(ctx, "politicians", "id", []source.Subject{*subj}); err != nil {
		return fmt.Errorf("upsert subject %s: %w", subj.ID, err)
	}
	return nil
}

func (s *SupabaseStore) GetSubject(ctx context.Context, id string) (*source.Subject, error) {
	var rows []source.Subject
	if err := s.get(ctx, "politicians", url.Values{"id": {eq(id)}, "limit": {"1"}}, &rows); err != nil {
		return nil, fmt.Errorf("get subject %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	return &rows[0], nil
}

func (s *SupabaseStore) FindSubjects(ctx context.Context, name string) ([]source.Subject, error) {
	var rows []source.Subject
	if err := s.get(ctx, "politicians", url.Values{"name": {eq(name)}, "order": {"id"}}, &rows); err != nil {
		return nil, fmt.Errorf("find subjects %q: %w", name, err)
	}
	return rows, nil
}

func (s *SupabaseStore) ListSubjects(ctx context.Context) ([]source.Subject, error) {
	var rows []source.Subject
	if err := s.get(ctx, "politicians", url.Values{"order": {"id"}}, &rows); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return rows, nil
}

func (s *SupabaseStore) UpsertItems(ctx context.Context, items []source.Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := s.write(ctx, "collected_items", "id", items); err != nil {
		return fmt.Errorf("upsert %d items: %w", len(items), err)
	}
	return nil
}

func (s *SupabaseStore) ListItems(ctx context.Context, f ItemFilter) ([]source.Item, error) {
	params := url.Values{"order": {"published_date,id"}}
	if f.SubjectID != "" {
		params.Set("subject_id", eq(f.SubjectID))
	}
	if f.Category != "" {
		params.Set("category", eq(string(f.Category)))
	}

	var (
		items []source.Item
		err   error
	)
	if f.Limit > 0 && f.Unevaluated == "" {
		params.Set("limit", strconv.Itoa(f.Limit))
		err = s.get(ctx, "collected_items", params, &items)
	} else {
		// PostgREST has no NOT IN subquery; the limit is applied after filtering.
		items, err = getAll[source.Item](ctx, s, "collected_items", params)
	}
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	if f.Unevaluated == "" {
		return items, nil
	}

	evs, err := s.ListEvaluations(ctx, EvalFilter{SubjectID: f.SubjectID, Category: f.Category, Evaluator: f.Unevaluated})
	if err != nil {
		return nil, err
	}
	rated := make(map[string]bool, len(evs))
	for _, ev := range evs {
		rated[ev.ItemID] = true
	}
	out := items[:0]
	for _, it := range items {
		if !rated[it.ID] {
			out = append(out, it)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *SupabaseStore) UpsertEvaluations(ctx context.Context, evs []evaluate.Evaluation) error {
	if len(evs) == 0 {
		return nil
	}
	if err := s.write(ctx, "evaluations", "collected_item_id,evaluator_agent", evs); err != nil {
		return fmt.Errorf("upsert %d evaluations: %w", len(evs), err)
	}
	return nil
}

func (s *SupabaseStore) ListEvaluations(ctx context.Context, f EvalFilter) ([]evaluate.Evaluation, error) {
	params := url.Values{"order": {"evaluator_agent,category,collected_item_id"}}
	if f.SubjectID != "" {
		params.Set("subject_id", eq(f.SubjectID))
	}
	if f.Category != "" {
		params.Set("category", eq(string(f.Category)))
	}
	if f.Evaluator != "" {
		params.Set("evaluator_agent", eq(f.Evaluator))
	}

	evs, err := getAll[evaluate.Evaluation](ctx, s, "evaluations", params)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return evs, nil
}

func (s *SupabaseStore) ListEvaluators(ctx context.Context, subjectID string) ([]string, error) {
	var rows []struct {
		Evaluator string `json:"evaluator_agent"`
	}
	params := url.Values{"select": {"evaluator_agent"}, "subject_id": {eq(subjectID)}, "order": {"evaluator_agent"}}
	if err := s.get(ctx, "evaluations", params, &rows); err != nil {
		return nil, fmt.Errorf("list evaluators %s: %w", subjectID, err)
	}

	var names []string
	for i, r := range rows {
		if i == 0 || r.Evaluator != rows[i-1].Evaluator {
			names = append(names, r.Evaluator)
		}
	}
	return names, nil
}

func (s *SupabaseStore) UpsertCategoryScore(ctx context.Context, cs *CategoryScore) error {
	err := s.write(ctx, "category_scores", "subject_id,category,evaluator_agent,profile", []CategoryScore{*cs})
	if err != nil {
		return fmt.Errorf("upsert category score %s/%s/%s: %w", cs.SubjectID, cs.Category, cs.Evaluator, err)
	}
	return nil
}

func (s *SupabaseStore) ListCategoryScores(ctx context.Context, subjectID, evaluator, profile string) ([]CategoryScore, error) {
	params := url.Values{
		"subject_id": {eq(subjectID)},
		"profile":    {eq(profile)},
		"order":      {"evaluator_agent,category"},
	}
	if evaluator != "" {
		params.Set("evaluator_agent", eq(evaluator))
	}

	var rows []CategoryScore
	if err := s.get(ctx, "category_scores", params, &rows); err != nil {
		return nil, fmt.Errorf("list category scores %s: %w", subjectID, err)
	}
	return rows, nil
}

func (s *SupabaseStore) UpsertFinalScore(ctx context.Context, fs *FinalScore) error {
	if err := s.write(ctx, "final_scores", "subject_id,evaluator_agent,profile", []FinalScore{*fs}); err != nil {
		return fmt.Errorf("upsert final score %s/%s: %w", fs.SubjectID, fs.Evaluator, err)
	}
	return nil
}

func (s *SupabaseStore) GetFinalScore(ctx context.Context, subjectID, evaluator, profile string) (*FinalScore, error) {
	params := url.Values{
		"subject_id":      {eq(subjectID)},
		"evaluator_agent": {eq(evaluator)},
		"profile":         {eq(profile)},
		"limit":           {"1"},
	}
	var rows []FinalScore
	if err := s.get(ctx, "final_scores", params, &rows); err != nil {
		return nil, fmt.Errorf("get final score %s/%s: %w", subjectID, evaluator, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("final score %s/%s/%s: %w", subjectID, evaluator, profile, ErrNotFound)
	}
	return &rows[0], nil
}

func (s *SupabaseStore) ListFinalScores(ctx context.Context, f FinalFilter) ([]FinalScore, error) {
	params := url.Values{"profile": {eq(f.Profile)}, "order": {"score.desc,subject_id"}}
	if f.Evaluator != "" {
		params.Set("evaluator_agent", eq(f.Evaluator))
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}

	var rows []FinalScore
	if err := s.get(ctx, "final_scores", params, &rows); err != nil {
		return nil, fmt.Errorf("list final scores: %w", err)
	}
	return rows, nil
}

func (s *SupabaseStore) DeleteScores(ctx context.Context, subjectID, evaluator, profile string, categories []source.Category) error {
	key := url.Values{
		"subject_id":      {eq(subjectID)},
		"evaluator_agent": {eq(evaluator)},
		"profile":         {eq(profile)},
	}
	if len(categories) > 0 {
		names := make([]string, len(categories))
		for i, c := range categories {
			names[i] = string(c)
		}
		params := maps.Clone(key)
		params.Set("category", "in.("+strings.Join(names, ",")+")")
		if _, err := s.remove(ctx, "category_scores", params); err != nil {
			return fmt.Errorf("delete category scores %s/%s: %w", subjectID, evaluator, err)
		}
	}
	if _, err := s.remove(ctx, "final_scores", key); err != nil {
		return fmt.Errorf("delete final score %s/%s: %w", subjectID, evaluator, err)
	}
	return nil
}

// DeleteItems removes items one at a time. PostgREST offers no transaction,
// so a failure part-way leaves the earlier deletions and their audit rows in
// place.
func (s *SupabaseStore) DeleteItems(ctx context.Context, dels []Deletion) (int, error) {
	removed := 0
	for _, d := range dels {
		if _, err := s.remove(ctx, "evaluations", url.Values{"collected_item_id": {eq(d.ItemID)}}); err != nil {
			return removed, fmt.Errorf("delete evaluations of %s: %w", d.ItemID, err)
		}
		n, err := s.remove(ctx, "collected_items", url.Values{"id": {eq(d.ItemID)}})
		if err != nil {
			return removed, fmt.Errorf("delete item %s: %w", d.ItemID, err)
		}
		if n == 0 {
			continue
		}
		removed++

		if d.DeletedAt.IsZero() {
			d.DeletedAt = time.Now().UTC()
		}
		if err := s.write(ctx, "item_deletions", "", []Deletion{d}); err != nil {
			return removed, fmt.Errorf("audit deletion %s: %w", d.ItemID, err)
		}
	}
	return removed, nil
}

func (s *SupabaseStore) ListDeletions(ctx context.Context, subjectID string) ([]Deletion, error) {
	var rows []Deletion
	params := url.Values{"subject_id": {eq(subjectID)}, "order": {"id"}}
	if err := s.get(ctx, "item_deletions", params, &rows); err != nil {
		return nil, fmt.Errorf("list deletions %s: %w", subjectID, err)
	}
	return rows, nil
}
