package scoring_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/impute"
	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/tree"
)

// memSource is an in-memory DataSource for tests.
type memSource struct {
	countries []string
	readings  []dataset.Reading
	groups    map[string][]string
	err       error
}

func (m *memSource) Countries(context.Context) ([]string, error) { return m.countries, m.err }

func (m *memSource) Readings(_ context.Context, code string) ([]dataset.Reading, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []dataset.Reading
	for _, r := range m.readings {
		if r.DatasetCode == code {
			out = append(out, r)
		}
	}
	return out, nil
}

type groupedSource struct{ *memSource }

func (g groupedSource) CountryGroups(context.Context) (map[string][]string, error) {
	return g.groups, nil
}

func trivialDocs(fn string, datasets ...string) []tree.Document {
	return []tree.Document{
		{ItemType: "SSPI", ItemCode: "SSPI", ItemName: "SSPI", Children: []string{"P"}},
		{ItemType: "Pillar", ItemCode: "P", ItemName: "Pillar", Children: []string{"C"}},
		{ItemType: "Category", ItemCode: "C", ItemName: "Category", Children: []string{"I"}},
		{ItemType: "Indicator", ItemCode: "I", ItemName: "Indicator", DatasetCodes: datasets, ScoreFunction: fn},
	}
}

func build(t *testing.T, docs []tree.Document) *tree.Config {
	t.Helper()
	cfg, errs := tree.Build(docs, tree.Options{})
	if len(errs) > 0 {
		t.Fatalf("Build: %v", errs)
	}
	return cfg
}

func find(t *testing.T, docs []scoring.ScoreDoc, item, country string, year int) scoring.ScoreDoc {
	t.Helper()
	for _, d := range docs {
		if d.ItemCode == item && d.CountryCode == country && d.Year == year {
			return d
		}
	}
	t.Fatalf("no doc for %s/%s/%d", item, country, year)
	return scoring.ScoreDoc{}
}

func fixedClock() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestEngine_TrivialIndicator(t *testing.T) {
	cfg := build(t, trivialDocs("Score = goalpost(X, 0, 100)", "X"))
	src := &memSource{
		countries: []string{"USA"},
		readings:  []dataset.Reading{{DatasetCode: "X", CountryCode: "USA", Year: 2020, Value: 50}},
	}

	res, err := scoring.NewEngine(scoring.DefaultWindow(), scoring.WithClock(fixedClock)).Score(context.Background(), cfg, src)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.ConfigHash != cfg.Hash() {
		t.Errorf("expected hash %s, got %s", cfg.Hash(), res.ConfigHash)
	}
	if len(res.Scores) != 4*24 {
		t.Fatalf("expected 96 docs, got %d", len(res.Scores))
	}

	for _, item := range []string{"I", "C", "P", "SSPI"} {
		d := find(t, res.Scores, item, "USA", 2020)
		if d.Score == nil || *d.Score != 0.5 {
			t.Errorf("%s: expected score 0.5, got %v", item, d.Score)
		}
		if d.Rank == nil || *d.Rank != 1 {
			t.Errorf("%s: expected rank 1, got %v", item, d.Rank)
		}
		if !d.CreatedAt.Equal(fixedClock()) {
			t.Errorf("%s: unexpected created_at %v", item, d.CreatedAt)
		}
	}

	// A single observation extrapolates across the window.
	d := find(t, res.Scores, "I", "USA", 2000)
	if !d.Imputed || d.ImputationMethod != impute.ExtrapolateBackward || d.ImputationDistance != 20 {
		t.Errorf("unexpected 2000 doc %+v", d)
	}
	if p := find(t, res.Scores, "SSPI", "USA", 2023); p.ImputationMethod != impute.ExtrapolateForward || p.ImputationDistance != 3 {
		t.Errorf("expected imputation flags to propagate, got %+v", p)
	}
}

func TestEngine_Imputation(t *testing.T) {
	cfg := build(t, trivialDocs("Score = goalpost(X, 0, 100)", "X"))
	src := &memSource{
		countries: []string{"USA"},
		readings: []dataset.Reading{
			{DatasetCode: "X", CountryCode: "USA", Year: 2010, Value: 10},
			{DatasetCode: "X", CountryCode: "USA", Year: 2020, Value: 90},
		},
	}
	res, err := scoring.NewEngine(scoring.DefaultWindow()).Score(context.Background(), cfg, src)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	d := find(t, res.Scores, "I", "USA", 2015)
	if d.Score == nil || *d.Score != 0.5 {
		t.Fatalf("expected 0.5, got %v", d.Score)
	}
	if !d.Imputed || d.ImputationMethod != impute.Interpolate || d.ImputationDistance != 5 {
		t.Errorf("unexpected imputation flags %+v", d)
	}
	obs := find(t, res.Scores, "I", "USA", 2010)
	if obs.Imputed || obs.ImputationMethod != impute.None {
		t.Errorf("observed year should not be imputed: %+v", obs)
	}
}

func TestEngine_MissingAndFailures(t *testing.T) {
	docs := []tree.Document{
		{ItemType: "SSPI", ItemCode: "SSPI", ItemName: "SSPI", Children: []string{"P"}},
		{ItemType: "Pillar", ItemCode: "P", ItemName: "Pillar", Children: []string{"C"}},
		{ItemType: "Category", ItemCode: "C", ItemName: "Category", Children: []string{"A", "B", "D", "U"}},
		{ItemType: "Indicator", ItemCode: "A", ItemName: "A", DatasetCodes: []string{"X"}, ScoreFunction: "Score = goalpost(X, 0, 8)"},
		{ItemType: "Indicator", ItemCode: "B", ItemName: "B", DatasetCodes: []string{"Y"}, ScoreFunction: "Score = goalpost(Y, 0, 8)"},
		{ItemType: "Indicator", ItemCode: "D", ItemName: "D", DatasetCodes: []string{"X", "Z"}, ScoreFunction: "Score = X / Z"},
		{ItemType: "Indicator", ItemCode: "U", ItemName: "U", DatasetCodes: []string{"X"}, ScoreFunction: "Score = goalpost(X, 0, 8)", Unit: "kg"},
	}
	cfg := build(t, docs)
	src := &memSource{
		countries: []string{"FRA", "USA"},
		readings: []dataset.Reading{
			{DatasetCode: "X", CountryCode: "USA", Year: 2020, Value: 2, Unit: "t"},
			{DatasetCode: "X", CountryCode: "FRA", Year: 2020, Value: 6},
			{DatasetCode: "Y", CountryCode: "USA", Year: 2020, Value: 6},
			{DatasetCode: "Z", CountryCode: "USA", Year: 2020, Value: 0},
			{DatasetCode: "Z", CountryCode: "FRA", Year: 2020, Value: 0.5},
		},
	}
	res, err := scoring.NewEngine(scoring.Window{Start: 2020, End: 2020}).Score(context.Background(), cfg, src)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	// B has no FRA data: null score, null rank.
	b := find(t, res.Scores, "B", "FRA", 2020)
	if b.Score != nil || b.Rank != nil || !strings.Contains(b.Error, "DataQualityError") {
		t.Errorf("expected null B/FRA with data quality error, got %+v", b)
	}
	// D divides by zero for USA and exceeds 1 for FRA.
	if d := find(t, res.Scores, "D", "USA", 2020); d.Score != nil || !strings.Contains(d.Error, "division by zero") {
		t.Errorf("expected division failure, got %+v", d)
	}
	if d := find(t, res.Scores, "D", "FRA", 2020); d.Score != nil || !strings.Contains(d.Error, "outside [0, 1]") {
		t.Errorf("expected range failure, got %+v", d)
	}
	// U requires kg; USA reports t, FRA has no unit.
	if u := find(t, res.Scores, "U", "USA", 2020); u.Score != nil || !strings.Contains(u.Error, "unit") {
		t.Errorf("expected unit failure, got %+v", u)
	}
	if u := find(t, res.Scores, "U", "FRA", 2020); u.Score == nil || *u.Score != 0.75 {
		t.Errorf("expected FRA unit to be tolerated, got %+v", u)
	}

	// USA: A=0.25, B=0.75 -> C=0.5. FRA: A=0.75, U=0.75 -> C=0.75.
	usa := find(t, res.Scores, "C", "USA", 2020)
	if usa.Score == nil || *usa.Score != 0.5 {
		t.Errorf("expected USA category 0.5, got %v", usa.Score)
	}
	fra := find(t, res.Scores, "C", "FRA", 2020)
	if fra.Score == nil || *fra.Score != 0.75 {
		t.Errorf("expected FRA category 0.75, got %v", fra.Score)
	}
	if *fra.Rank != 1 || *usa.Rank != 2 {
		t.Errorf("unexpected ranks FRA=%d USA=%d", *fra.Rank, *usa.Rank)
	}

	if len(res.Errors) != 4 {
		t.Errorf("expected 4 distinct failures, got %v", res.Errors)
	}
}

func TestEngine_RankTies(t *testing.T) {
	cfg := build(t, trivialDocs("Score = goalpost(X, 0, 4)", "X"))
	src := &memSource{
		countries: []string{"AAA", "BBB", "CCC", "DDD"},
		readings: []dataset.Reading{
			{DatasetCode: "X", CountryCode: "AAA", Year: 2020, Value: 1},
			{DatasetCode: "X", CountryCode: "BBB", Year: 2020, Value: 3},
			{DatasetCode: "X", CountryCode: "CCC", Year: 2020, Value: 3},
		},
	}
	res, err := scoring.NewEngine(scoring.Window{Start: 2020, End: 2020}).Score(context.Background(), cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"BBB": 1, "CCC": 1, "AAA": 3}
	for c, r := range want {
		d := find(t, res.Scores, "I", c, 2020)
		if d.Rank == nil || *d.Rank != r {
			t.Errorf("%s: expected rank %d, got %v", c, r, d.Rank)
		}
	}
	if d := find(t, res.Scores, "I", "DDD", 2020); d.Rank != nil {
		t.Errorf("expected nil rank for missing score, got %d", *d.Rank)
	}
}

func TestEngine_Lines(t *testing.T) {
	cfg := build(t, trivialDocs("Score = goalpost(X, 0, 100)", "X"))
	src := groupedSource{&memSource{
		countries: []string{"USA", "CAN"},
		readings:  []dataset.Reading{{DatasetCode: "X", CountryCode: "USA", Year: 2020, Value: 50}},
		groups:    map[string][]string{"USA": {"OECD", "NA"}},
	}}
	res, err := scoring.NewEngine(scoring.DefaultWindow()).Score(context.Background(), cfg, src)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(res.Lines) != 8 {
		t.Fatalf("expected 8 lines, got %d", len(res.Lines))
	}
	for _, ld := range res.Lines {
		if len(ld.Years) != 24 || len(ld.Score) != 24 || ld.Years[0] != 2000 || ld.Years[23] != 2023 {
			t.Fatalf("unexpected line shape %+v", ld)
		}
	}
	first := res.Lines[0]
	if first.ICode != "SSPI" || first.CCode != "CAN" || first.Score[20] != nil {
		t.Errorf("unexpected first line %+v", first)
	}
	usa := res.Lines[1]
	if usa.CCode != "USA" || usa.Score[20] == nil || *usa.Score[20] != 0.5 || strings.Join(usa.CGroup, ",") != "OECD,NA" {
		t.Errorf("unexpected USA line %+v", usa)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	cfg := build(t, trivialDocs("Score = average(goalpost(X, 0, 7), goalpost(Y, 3, 1))", "X", "Y"))
	src := &memSource{countries: []string{"AAA", "BBB"}}
	for i, c := range []string{"AAA", "BBB"} {
		for y := 2000; y <= 2023; y += 3 {
			src.readings = append(src.readings,
				dataset.Reading{DatasetCode: "X", CountryCode: c, Year: y, Value: float64(y%7) + float64(i)*0.1},
				dataset.Reading{DatasetCode: "Y", CountryCode: c, Year: y + 1, Value: 1 + float64(y%3)*0.7})
		}
	}
	e := scoring.NewEngine(scoring.DefaultWindow(), scoring.WithClock(fixedClock))
	a, err := e.Score(context.Background(), cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Score(context.Background(), cfg, src)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Scores {
		x, y := a.Scores[i], b.Scores[i]
		if (x.Score == nil) != (y.Score == nil) || (x.Score != nil && *x.Score != *y.Score) {
			t.Fatalf("doc %d differs: %+v vs %+v", i, x, y)
		}
	}
}

func TestEngine_SourceError(t *testing.T) {
	cfg := build(t, trivialDocs("Score = X", "X"))
	boom := errors.New("boom")
	_, err := scoring.NewEngine(scoring.DefaultWindow(), scoring.WithCountries([]string{"USA"})).
		Score(context.Background(), cfg, &memSource{err: boom})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped source error, got %v", err)
	}
}
