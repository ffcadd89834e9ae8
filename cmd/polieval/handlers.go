package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/polieval/internal/scheduler"
	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/evaluate"
	"github.com/elonfeng/polieval/pkg/pipeline"
	"github.com/elonfeng/polieval/pkg/rating"
	"github.com/elonfeng/polieval/pkg/scoring"
	"github.com/elonfeng/polieval/pkg/server"
	"github.com/elonfeng/polieval/pkg/source"
	"github.com/elonfeng/polieval/pkg/verify"
)

func subjectLabel(s source.Subject) string {
	return fmt.Sprintf("%s (%s)", s.Name, s.ID)
}

func runCollect(cmd *cobra.Command, sel subjectFlags) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	cats, err := sel.categories()
	if err != nil {
		return err
	}
	collectors := a.collectors()
	if len(collectors) == 0 {
		return errors.New("no collector configured: set Naver credentials, YOUTUBE_API_KEY or collect.rss.feeds")
	}
	subjects, err := a.resolveSubjects(ctx, sel)
	if err != nil {
		return err
	}

	type row struct {
		Subject source.Subject        `json:"subject"`
		Items   pipeline.CollectStats `json:"items"`
	}
	var (
		rows []row
		errs []error
	)
	for _, subj := range subjects {
		stats, err := pipeline.Collect(ctx, a.store, collectors, subj, cats, a.logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", subjectLabel(subj), err))
		}
		rows = append(rows, row{Subject: subj, Items: stats})
	}

	if jsonOutput {
		if err := writeJSON(cmd, rows); err != nil {
			return err
		}
		return errors.Join(errs...)
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		var parts []string
		for _, c := range collectors {
			parts = append(parts, fmt.Sprintf("%s=%d", c.Name(), r.Items[c.Name()]))
		}
		table = append(table, []string{r.Subject.ID, r.Subject.Name, strconv.Itoa(r.Items.Total()), strings.Join(parts, " ")})
	}
	printTable(cmd, []string{"ID", "NAME", "ITEMS", "BY COLLECTOR"}, table,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft})
	return errors.Join(errs...)
}

func readJSONFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func runImportSubjects(cmd *cobra.Command, path string) error {
	var subjects []source.Subject
	if err := readJSONFile(path, &subjects); err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	for i, s := range subjects {
		if s.ID == "" || s.Name == "" {
			return fmt.Errorf("record %d: id and name are required", i)
		}
		if err := a.store.UpsertSubject(cmd.Context(), &s); err != nil {
			return fmt.Errorf("store %s: %w", subjectLabel(s), err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d politicians\n", len(subjects))
	return nil
}

func runImportItems(cmd *cobra.Command, path string) error {
	var items []source.Item
	if err := readJSONFile(path, &items); err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	now := time.Now().UTC()
	known := make(map[string]bool)
	valid := make([]source.Item, 0, len(items))
	var rejected []string
	for i, it := range items {
		ok, seen := known[it.SubjectID]
		if !seen {
			_, err := a.store.GetSubject(ctx, it.SubjectID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("item %d: politician %q: %w", i, it.SubjectID, err)
			}
			ok = err == nil
			known[it.SubjectID] = ok
		}
		if !ok {
			rejected = append(rejected, fmt.Sprintf("item %d: unknown politician %q", i, it.SubjectID))
			continue
		}

		cat, err := source.ParseCategory(string(it.Category))
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		it.Category = cat
		if it.Tier != "" {
			if it.Tier, err = source.ParseTier(string(it.Tier)); err != nil {
				rejected = append(rejected, fmt.Sprintf("item %d: %v", i, err))
				continue
			}
		}
		if it.ID == "" {
			it.ID = source.ItemID(it.SubjectID, it.Category, it.URL)
		}
		if it.Collector == "" {
			it.Collector = "import"
		}
		if it.CollectedAt.IsZero() {
			it.CollectedAt = now
		}
		valid = append(valid, it)
	}

	if err := a.store.UpsertItems(ctx, valid); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "imported %d items\n", len(valid))
	if len(rejected) == 0 {
		return nil
	}
	for _, r := range rejected {
		fmt.Fprintf(out, "  rejected %s\n", r)
	}
	return fmt.Errorf("%d of %d items rejected", len(rejected), len(items))
}

func runImportEvaluations(cmd *cobra.Command, path, ai, scaleName string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if scaleName == "" {
		scaleName = a.cfg.Evaluate.Rating
	}
	scale, err := rating.Lookup(scaleName)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	valid, rejected, err := evaluate.ParseBatch(f, scale, ai, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(valid) > 0 {
		if err := a.store.UpsertEvaluations(cmd.Context(), valid); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "imported %d evaluations\n", len(valid))
	if len(rejected) == 0 {
		return nil
	}
	for _, r := range rejected {
		fmt.Fprintf(out, "  rejected %s\n", r.Error())
	}
	return fmt.Errorf("%d of %d records rejected", len(rejected), len(valid)+len(rejected))
}

func runEvaluate(cmd *cobra.Command, sel subjectFlags, ai string, limit int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	cats, err := sel.categories()
	if err != nil {
		return err
	}
	evaluators, err := a.evaluators(ctx, ai)
	if err != nil {
		return err
	}
	scale, err := a.ratingScale()
	if err != nil {
		return err
	}
	subjects, err := a.resolveSubjects(ctx, sel)
	if err != nil {
		return err
	}

	type row struct {
		Subject source.Subject `json:"subject"`
		pipeline.EvaluateStats
	}
	var (
		rows []row
		errs []error
	)
	for _, subj := range subjects {
		for _, ev := range evaluators {
			stats, err := pipeline.EvaluatePending(ctx, a.store, ev, scale, subj, cats, limit, a.logger)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", subjectLabel(subj), err))
			}
			rows = append(rows, row{Subject: subj, EvaluateStats: stats})
		}
	}

	if jsonOutput {
		if err := writeJSON(cmd, rows); err != nil {
			return err
		}
		return errors.Join(errs...)
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, []string{
			r.Subject.ID, r.Subject.Name, r.Evaluator,
			strconv.Itoa(r.Pending), strconv.Itoa(r.Stored), strconv.Itoa(r.Rejected),
		})
	}
	printTable(cmd, []string{"ID", "NAME", "AI", "PENDING", "STORED", "REJECTED"}, table,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight})
	return errors.Join(errs...)
}

func runScore(cmd *cobra.Command, sel subjectFlags, ai, profile string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if _, err := a.profiles.Get(profile); err != nil {
		return err
	}
	subjects, err := a.resolveSubjects(ctx, sel)
	if err != nil {
		return err
	}
	ids := make([]string, len(subjects))
	for i, s := range subjects {
		ids[i] = s.ID
	}

	results, scoreErr := a.engine().ScoreAll(ctx, ids, ai, profile)

	if jsonOutput {
		if err := writeJSON(cmd, results); err != nil {
			return err
		}
		return scoreErr
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		score, grade := "-", "-"
		if r.Final != nil {
			score = formatScore(r.Final.Score)
			grade = fmt.Sprintf("%s %s", r.Final.GradeCode, r.Final.GradeName)
		}
		pending := make([]string, len(r.Incomplete))
		for i, c := range r.Incomplete {
			pending[i] = string(c)
		}
		rows = append(rows, []string{
			r.Subject.ID, r.Subject.Name, r.Evaluator, r.Profile, score, grade,
			strings.Join(pending, ","), strconv.Itoa(r.Rejected),
		})
	}
	printTable(cmd, []string{"ID", "NAME", "AI", "PROFILE", "SCORE", "GRADE", "INCOMPLETE", "REJECTED"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight})
	return scoreErr
}

func runVerify(cmd *cobra.Command, sel subjectFlags, reportDir string, skipURLs bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	cats, err := sel.categories()
	if err != nil {
		return err
	}
	if reportDir == "" {
		reportDir = a.cfg.Verify.ReportDir
	}
	if skipURLs {
		a.cfg.Verify.CheckURLs = false
	}
	verifier := a.verifier()

	subjects, err := a.resolveSubjects(ctx, sel)
	if err != nil {
		return err
	}

	type row struct {
		Report *verify.Report `json:"report"`
		Path   string         `json:"path,omitempty"`
	}
	var (
		rows []row
		errs []error
	)
	for _, subj := range subjects {
		items, err := a.store.ListItems(ctx, store.ItemFilter{SubjectID: subj.ID})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", subjectLabel(subj), err))
			continue
		}
		if len(cats) > 0 {
			items = slices.DeleteFunc(items, func(it source.Item) bool { return !slices.Contains(cats, it.Category) })
		}

		report, err := verifier.Verify(ctx, subj.ID, items)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", subjectLabel(subj), err))
			continue
		}
		r := row{Report: report}
		if len(report.Findings) > 0 {
			if r.Path, err = verify.WriteReport(reportDir, report); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", subjectLabel(subj), err))
			}
		}
		rows = append(rows, r)
	}

	if jsonOutput {
		if err := writeJSON(cmd, rows); err != nil {
			return err
		}
		return errors.Join(errs...)
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		mix := fmt.Sprintf("%.0f%% official", r.Report.Mix.OfficialShare*100)
		if !r.Report.Mix.OK {
			mix += " (off target)"
		}
		table = append(table, []string{
			r.Report.SubjectID, strconv.Itoa(r.Report.Checked), strconv.Itoa(len(r.Report.Flagged())), mix, r.Path,
		})
	}
	printTable(cmd, []string{"ID", "CHECKED", "FLAGGED", "MIX", "REPORT"}, table,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft})
	return errors.Join(errs...)
}

func runClean(cmd *cobra.Command, path string, confirm bool) error {
	report, err := verify.ReadReport(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	flagged := report.Flagged()
	if !confirm {
		fmt.Fprintf(out, "%d items flagged in %s would be deleted; rerun with --confirm\n", len(flagged), report.ID)
		for reason, n := range report.Counts() {
			fmt.Fprintf(out, "  %s: %d\n", reason, n)
		}
		return nil
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := verify.NewCleaner(a.store, a.logger).Clean(cmd.Context(), report, true)
	if err != nil {
		return fmt.Errorf("clean %s: %w", report.SubjectID, err)
	}
	fmt.Fprintf(out, "deleted %d of %d flagged items\n", n, len(flagged))
	return nil
}

func runGrade(cmd *cobra.Command, profileName string, score float64, classify bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.profiles.Get(profileName)
	if err != nil {
		return err
	}

	if classify {
		if score < p.FinalMin || score > p.FinalMax {
			return fmt.Errorf("score %g is outside profile %s range [%g,%g]", score, p.Name, p.FinalMin, p.FinalMax)
		}
		g, err := p.Grades.Classify(score)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd, g)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", g.Code, g.Name, g.Label)
		return nil
	}

	if jsonOutput {
		return writeJSON(cmd, p.Grades)
	}
	rows := make([][]string, 0, len(p.Grades))
	for i, g := range p.Grades {
		upper := "-"
		if i > 0 {
			upper = formatScore(p.Grades.Upper(i))
		}
		rows = append(rows, []string{g.Code, g.Name, g.Label, formatScore(g.Min), upper})
	}
	printTable(cmd, []string{"CODE", "NAME", "LABEL", "FROM", "BELOW"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight})
	return nil
}

func runProfiles(cmd *cobra.Command) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var profiles []scoring.Profile
	for _, name := range a.profiles.Names() {
		p, err := a.profiles.Get(name)
		if err != nil {
			return err
		}
		profiles = append(profiles, p)
	}

	if jsonOutput {
		return writeJSON(cmd, profiles)
	}
	rows := make([][]string, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, []string{
			p.Name, p.Rating,
			fmt.Sprintf("(%g + mean×%g) × %g", p.Prior, p.Coefficient, p.Scale),
			fmt.Sprintf("%g–%g", p.CategoryMin, p.CategoryMax),
			string(p.Final),
			fmt.Sprintf("%g–%g", p.FinalMin, p.FinalMax),
			strconv.Itoa(len(p.Grades)),
		})
	}
	printTable(cmd, []string{"PROFILE", "RATING", "CATEGORY FORMULA", "CATEGORY", "FINAL", "RANGE", "GRADES"}, rows, nil)
	return nil
}

func runServe(cmd *cobra.Command, addr string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.New(a.store, a.profiles, addr, a.logger).ListenAndServe(ctx)
}

func runDaemon(cmd *cobra.Command, addr, profile string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	if profile == "" {
		profile = a.cfg.Schedule.Profile
	}
	if profile == "" {
		return errors.New("run needs a scoring profile: set schedule.profile or --profile")
	}
	if _, err := a.profiles.Get(profile); err != nil {
		return err
	}

	var cats []source.Category
	for _, name := range a.cfg.Schedule.Categories {
		c, err := source.ParseCategory(name)
		if err != nil {
			return err
		}
		cats = append(cats, c)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scale, err := a.ratingScale()
	if err != nil {
		return err
	}
	evaluators, err := a.evaluators(ctx, "")
	if err != nil {
		a.logger.Warn("evaluation disabled", zap.Error(err))
		evaluators = nil
	}

	sched := scheduler.New(a.store, a.collectors(), a.verifier(), evaluators, scale, a.engine(), scheduler.Options{
		Interval:   a.cfg.Schedule.Interval,
		Profile:    profile,
		Subjects:   a.cfg.Schedule.Subjects,
		Categories: cats,
		ReportDir:  a.cfg.Verify.ReportDir,
	}, a.logger)
	srv := server.New(a.store, a.profiles, addr, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error {
		if err := sched.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}
