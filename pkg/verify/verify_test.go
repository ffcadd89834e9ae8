package verify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChecker struct {
	mu   sync.Mutex
	dead map[string]bool
	seen []string
}

func (f *fakeChecker) Check(_ context.Context, u string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, u)
	if f.dead[u] {
		return errors.New("status 404")
	}
	return nil
}

func item(id string, cat source.Category, tier source.Tier, url, title string, age time.Duration) source.Item {
	return source.Item{
		ID:          id,
		SubjectID:   "p1",
		Category:    cat,
		Title:       title,
		Content:     "본문 " + id,
		URL:         url,
		PublishedAt: now.Add(-age),
		Tier:        tier,
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Now = now
	return opts
}

func byReason(r *Report) map[Reason][]string {
	out := make(map[Reason][]string)
	for _, f := range r.Findings {
		out[f.Reason] = append(out[f.Reason], f.ItemID)
	}
	return out
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://www.News.example/a/1/?utm_source=x&b=2&a=1#top": "https://news.example/a/1?a=1&b=2",
		"http://news.example/a/1":                                "https://news.example/a/1",
		"https://news.example/a/1?fbclid=abc":                    "https://news.example/a/1",
		"  not a url  ":                                          "not a url",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "속보 홍길동 청렴 서약", NormalizeTitle("[속보] 홍길동, 청렴 서약!"))
	assert.Equal(t, "abc 123", NormalizeTitle("ＡＢＣ　１２３"))
	assert.Equal(t, "", NormalizeTitle("!!!"))
}

func TestVerifyFieldChecks(t *testing.T) {
	items := []source.Item{
		item("ok", source.CategoryVision, source.TierPublic, "https://a.example/1", "비전 발표", 24*time.Hour),
		{ID: "empty", SubjectID: "p1", Category: source.CategoryVision, Tier: source.TierPublic},
		item("badcat", "charisma", source.TierPublic, "https://a.example/2", "다른 기사", time.Hour),
		item("badtier", source.CategoryVision, "blog", "https://a.example/3", "블로그 글", time.Hour),
		item("oldpub", source.CategoryEthics, source.TierPublic, "https://a.example/4", "옛날 기사", 3*365*24*time.Hour),
		item("oldoff", source.CategoryEthics, source.TierOfficial, "https://a.example/5", "공식 자료", 3*365*24*time.Hour),
		item("future", source.CategoryEthics, source.TierOfficial, "https://a.example/6", "미래 자료", -72*time.Hour),
	}

	v := New(testOptions(), nil, zap.NewNop())
	r, err := v.Verify(context.Background(), "p1", items)
	require.NoError(t, err)

	got := byReason(r)
	assert.Equal(t, []string{"empty"}, got[ReasonMissingField])
	assert.Equal(t, []string{"badcat"}, got[ReasonUnknownCategory])
	assert.Equal(t, []string{"badtier"}, got[ReasonUnknownTier])
	assert.Equal(t, []string{"oldpub", "future"}, got[ReasonStale])
	assert.Equal(t, 7, r.Checked)
	assert.NotContains(t, r.Flagged(), "ok")
	assert.NotContains(t, r.Flagged(), "oldoff")

	for _, f := range r.Findings {
		if f.ItemID == "empty" {
			assert.Equal(t, "title, content, source_url, published_date", f.Detail)
		}
	}
}

func TestVerifyDuplicates(t *testing.T) {
	items := []source.Item{
		item("late", source.CategoryVision, source.TierPublic, "https://www.a.example/story?utm_medium=x", "다른 제목", time.Hour),
		item("early", source.CategoryVision, source.TierPublic, "https://a.example/story", "홍길동 비전 발표", 48*time.Hour),
		item("retitled", source.CategoryVision, source.TierPublic, "https://b.example/9", "홍길동, 비전 발표!", 24*time.Hour),
		item("othercat", source.CategoryEthics, source.TierPublic, "https://a.example/story", "홍길동 비전 발표", time.Hour),
		item("distinct", source.CategoryVision, source.TierPublic, "https://c.example/1", "예산 심사 결과", time.Hour),
	}

	v := New(testOptions(), nil, zap.NewNop())
	r, err := v.Verify(context.Background(), "p1", items)
	require.NoError(t, err)

	got := byReason(r)
	assert.Equal(t, []string{"late"}, got[ReasonDuplicateURL])
	assert.Equal(t, []string{"retitled"}, got[ReasonNearDuplicateTitle])

	for _, f := range r.Findings {
		assert.Equal(t, "early", f.DuplicateOf, f.ItemID)
	}
	assert.ElementsMatch(t, []string{"late", "retitled"}, r.Flagged())
}

func TestVerifyBrokenItemIsNotKeptAsOriginal(t *testing.T) {
	broken := item("broken", source.CategoryVision, source.TierPublic, "https://a.example/1", "홍길동 비전", 48*time.Hour)
	broken.Content = ""
	fresh := item("fresh", source.CategoryVision, source.TierPublic, "https://a.example/1", "홍길동 비전", time.Hour)

	v := New(testOptions(), nil, zap.NewNop())
	r, err := v.Verify(context.Background(), "p1", []source.Item{broken, fresh})
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, r.Flagged())
}

func TestVerifyMix(t *testing.T) {
	items := []source.Item{
		item("o1", source.CategoryVision, source.TierOfficial, "https://a.example/1", "하나", time.Hour),
		item("p1", source.CategoryVision, source.TierPublic, "https://a.example/2", "둘", time.Hour),
		item("p2", source.CategoryVision, source.TierPublic, "https://a.example/3", "셋째 기사", time.Hour),
		item("p3", source.CategoryVision, source.TierPublic, "https://a.example/4", "넷째 보도", time.Hour),
	}

	v := New(testOptions(), nil, zap.NewNop())
	r, err := v.Verify(context.Background(), "p1", items)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Mix.Official)
	assert.Equal(t, 3, r.Mix.Public)
	assert.InDelta(t, 0.25, r.Mix.OfficialShare, 1e-9)
	assert.False(t, r.Mix.OK)
	assert.Empty(t, r.Findings)

	r, err = v.Verify(context.Background(), "p1", items[:2])
	require.NoError(t, err)
	assert.True(t, r.Mix.OK)

	r, err = v.Verify(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.True(t, r.Mix.OK)
}

func TestVerifyURLChecksAreIndependent(t *testing.T) {
	items := []source.Item{
		item("a", source.CategoryVision, source.TierPublic, "https://a.example/1", "첫째 기사", time.Hour),
		item("b", source.CategoryVision, source.TierPublic, "https://a.example/dead", "둘째 보도", time.Hour),
		item("c", source.CategoryVision, source.TierPublic, "https://a.example/3", "셋째 소식", time.Hour),
		{ID: "nourl", SubjectID: "p1", Category: source.CategoryVision, Tier: source.TierPublic, Title: "x", Content: "y", PublishedAt: now},
	}
	checker := &fakeChecker{dead: map[string]bool{"https://a.example/dead": true}}

	opts := testOptions()
	opts.Workers = 2
	v := New(opts, checker, zap.NewNop())
	r, err := v.Verify(context.Background(), "p1", items)
	require.NoError(t, err)

	got := byReason(r)
	assert.Equal(t, []string{"b"}, got[ReasonUnreachable])
	assert.Len(t, checker.seen, 3)
}

func TestVerifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &fakeChecker{dead: map[string]bool{"https://a.example/1": true}}
	v := New(testOptions(), checker, zap.NewNop())
	_, err := v.Verify(ctx, "p1", []source.Item{
		item("a", source.CategoryVision, source.TierPublic, "https://a.example/1", "기사", time.Hour),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type memStore struct {
	items map[string]source.Item
	dels  []store.Deletion
}

func (m *memStore) DeleteItems(_ context.Context, dels []store.Deletion) (int, error) {
	n := 0
	for _, d := range dels {
		if _, ok := m.items[d.ItemID]; ok {
			delete(m.items, d.ItemID)
			m.dels = append(m.dels, d)
			n++
		}
	}
	return n, nil
}

func (m *memStore) remaining() []source.Item {
	var out []source.Item
	for _, it := range m.items {
		out = append(out, it)
	}
	return out
}

func TestCleanRequiresConfirmation(t *testing.T) {
	ms := &memStore{items: map[string]source.Item{"a": {}}}
	c := NewCleaner(ms, zap.NewNop())

	r := &Report{SubjectID: "p1", Findings: []Finding{{ItemID: "a", Reason: ReasonStale}}}
	n, err := c.Clean(context.Background(), r, false)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Zero(t, n)
	assert.Len(t, ms.items, 1)
}

func TestVerifyIsIdempotentAfterClean(t *testing.T) {
	items := []source.Item{
		item("keep1", source.CategoryVision, source.TierOfficial, "https://a.example/1", "홍길동 비전 발표", 48*time.Hour),
		item("dupurl", source.CategoryVision, source.TierPublic, "https://www.a.example/1/", "전혀 다른 제목", time.Hour),
		item("duptitle", source.CategoryVision, source.TierPublic, "https://b.example/2", "홍길동 비전 발표!", 24*time.Hour),
		item("stale", source.CategoryEthics, source.TierPublic, "https://c.example/3", "오래된 보도", 5*365*24*time.Hour),
		item("dead", source.CategoryEthics, source.TierPublic, "https://c.example/dead", "끊긴 링크", time.Hour),
		item("keep2", source.CategoryEthics, source.TierPublic, "https://c.example/4", "윤리 위원회 결과", time.Hour),
	}
	ms := &memStore{items: map[string]source.Item{}}
	for _, it := range items {
		ms.items[it.ID] = it
	}

	checker := &fakeChecker{dead: map[string]bool{"https://c.example/dead": true}}
	v := New(testOptions(), checker, zap.NewNop())

	first, err := v.Verify(context.Background(), "p1", ms.remaining())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dupurl", "duptitle", "stale", "dead"}, first.Flagged())

	n, err := NewCleaner(ms, zap.NewNop()).Clean(context.Background(), first, true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, ms.dels, 4)
	for _, d := range ms.dels {
		assert.Equal(t, first.ID, d.ReportID)
		assert.NotEmpty(t, d.Reason)
	}

	second, err := v.Verify(context.Background(), "p1", ms.remaining())
	require.NoError(t, err)
	assert.Empty(t, second.Findings)

	third, err := v.Verify(context.Background(), "p1", ms.remaining())
	require.NoError(t, err)
	assert.Empty(t, third.Findings)
}

func TestReportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := &Report{
		ID:          "r1",
		SubjectID:   "p/1",
		GeneratedAt: now,
		Checked:     2,
		Findings:    []Finding{{ItemID: "a", Reason: ReasonDuplicateURL, DuplicateOf: "b"}},
	}

	path, err := WriteReport(dir, r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "review-p_1-20260301T120000Z.json"), path)

	got, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, r.Findings, got.Findings)
	assert.True(t, now.Equal(got.GeneratedAt))
	assert.Equal(t, map[Reason]int{ReasonDuplicateURL: 1}, got.Counts())

	_, err = ReadReport(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
		case "/nohead":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPChecker(time.Second, retry.Policy{MaxAttempts: 1})
	require.NoError(t, c.Check(context.Background(), srv.URL+"/ok"))
	require.NoError(t, c.Check(context.Background(), srv.URL+"/nohead"))
	assert.Error(t, c.Check(context.Background(), srv.URL+"/gone"))
	srv.CloseClientConnections()
}
