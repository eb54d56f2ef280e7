package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sspi-data/sspi/internal/datastore"
	"github.com/sspi-data/sspi/pkg/config"
	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/tree"
)

func testDocs(fn string) []tree.Document {
	return []tree.Document{
		{ItemType: "SSPI", ItemCode: "SSPI", ItemName: "SSPI", Children: []string{"P"}},
		{ItemType: "Pillar", ItemCode: "P", ItemName: "Pillar", Children: []string{"C"}},
		{ItemType: "Category", ItemCode: "C", ItemName: "Category", Children: []string{"I"}},
		{ItemType: "Indicator", ItemCode: "I", ItemName: "Indicator", DatasetCodes: []string{"X"}, ScoreFunction: fn},
	}
}

func writeDocs(t *testing.T, dir, name string, docs []tree.Document) string {
	t.Helper()
	data, err := json.Marshal(docs)
	if err != nil {
		t.Fatalf("marshal docs: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write docs: %v", err)
	}
	return path
}

// seedStore writes a two-country dataset store under dir.
func seedStore(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()
	src := datastore.NewSource(datastore.NewLocalStorage(dir), "metadata/default.json")
	if err := src.PutCountries(ctx, []datastore.Country{
		{CountryCode: "USA", CountryGroups: []string{"G7"}},
		{CountryCode: "FRA", CountryGroups: []string{"G7", "EU"}},
	}); err != nil {
		t.Fatalf("PutCountries: %v", err)
	}
	if err := src.PutReadings(ctx, "X", []dataset.Reading{
		{DatasetCode: "X", CountryCode: "USA", Year: 2020, Value: 50},
		{DatasetCode: "X", CountryCode: "FRA", Year: 2020, Value: 75},
	}); err != nil {
		t.Fatalf("PutReadings: %v", err)
	}
}

func TestScoreCmdFlags(t *testing.T) {
	cmd := newScoreCmd()
	f := cmd.Flags()

	// Test default output format
	outputFmt, _ := f.GetString("output")
	if outputFmt != "text" {
		t.Errorf("default output = %q, want text", outputFmt)
	}

	for _, flag := range []string{"output", "out", "data", "default", "cache", "countries", "start-year", "end-year"} {
		if f.Lookup(flag) == nil {
			t.Errorf("missing flag: %s", flag)
		}
	}
}

func TestLinesCmdFlags(t *testing.T) {
	cmd := newLinesCmd()
	for _, flag := range []string{"item", "country", "cache"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("missing flag: %s", flag)
		}
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"validate", "hash", "diff", "score", "lines", "clear-cache", "migrate", "serve"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

func TestValidateAndHash(t *testing.T) {
	dir := t.TempDir()
	valid := writeDocs(t, dir, "valid.json", testDocs("Score = goalpost(X, 0, 100)"))
	invalid := writeDocs(t, dir, "invalid.json", testDocs("Score = X + "))

	tests := []struct {
		args    []string
		wantErr bool
	}{
		{[]string{"validate", valid}, false},
		{[]string{"validate", "--json", valid}, false},
		{[]string{"validate", invalid}, true},
		{[]string{"hash", valid}, false},
		{[]string{"hash", invalid}, true},
		{[]string{"validate", filepath.Join(dir, "missing.json")}, true},
	}
	for _, tc := range tests {
		root := newRootCmd()
		root.SetArgs(tc.args)
		err := root.Execute()
		if (err != nil) != tc.wantErr {
			t.Errorf("%v: err = %v, wantErr %v", tc.args, err, tc.wantErr)
		}
	}
}

func TestHash_WritesCanonicalForm(t *testing.T) {
	dir := t.TempDir()
	path := writeDocs(t, dir, "cfg.json", testDocs("Score = goalpost(X, 0, 100)"))
	canon := filepath.Join(dir, "out", "canonical.json")
	docs := filepath.Join(dir, "out", "docs.json")

	root := newRootCmd()
	root.SetArgs([]string{"hash", "--out", canon, "--docs-out", docs, path})
	if err := root.Execute(); err != nil {
		t.Fatalf("hash: %v", err)
	}

	cfg, err := buildFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(canon)
	if err != nil {
		t.Fatalf("read canonical form: %v", err)
	}
	if tree.Hash(data) != cfg.Hash() {
		t.Errorf("canonical file hashes to %s, want %s", tree.Hash(data), cfg.Hash())
	}
	again, err := buildFile(docs)
	if err != nil {
		t.Fatalf("rebuild normalized documents: %v", err)
	}
	if again.Hash() != cfg.Hash() {
		t.Errorf("normalized documents hash to %s, want %s", again.Hash(), cfg.Hash())
	}
}

func TestValidateFile_DatasetIndex(t *testing.T) {
	dir := t.TempDir()
	path := writeDocs(t, dir, "cfg.json", testDocs("Score = goalpost(X, 0, 100)"))
	data := filepath.Join(dir, "data")
	store := datastore.NewLocalStorage(data)
	if err := store.Put(context.Background(), datastore.DatasetIndexKey, []byte(`["Y"]`)); err != nil {
		t.Fatalf("put index: %v", err)
	}

	res, err := validateFile(context.Background(), newValidateCmd(), path, data)
	if err != nil {
		t.Fatalf("validateFile: %v", err)
	}
	if res.OK {
		t.Error("expected unknown dataset X to fail validation")
	}
}

func TestDiff(t *testing.T) {
	dir := t.TempDir()
	base := writeDocs(t, dir, "base.json", testDocs("Score = goalpost(X, 0, 100)"))
	head := writeDocs(t, dir, "head.json", testDocs("Score = goalpost(X, 0, 50)"))

	root := newRootCmd()
	root.SetArgs([]string{"diff", base, head})
	if err := root.Execute(); err != nil {
		t.Fatalf("diff: %v", err)
	}

	b, err := buildFile(base)
	if err != nil {
		t.Fatal(err)
	}
	h, err := buildFile(head)
	if err != nil {
		t.Fatal(err)
	}
	d := tree.ComputeDiff(b.Fingerprints(), h.Fingerprints())
	if len(d.Modified) != 1 || d.Modified[0] != "I" {
		t.Errorf("Modified = %v, want [I]", d.Modified)
	}
}

func TestRunScore(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	seedStore(t, data)
	cfgPath := writeDocs(t, dir, "cfg.json", testDocs("Score = goalpost(X, 0, 100)"))

	cfg := config.DefaultConfig()
	cfg.Cache.Backend = "sqlite"
	cfg.Cache.SQLitePath = filepath.Join(dir, "cache", "cache.db")
	cfg.Scoring.StartYear, cfg.Scoring.EndYear = 2019, 2021

	out := filepath.Join(dir, "result.json")
	opts := scoreOpts{file: cfgPath, outputFmt: "json", outPath: out, dataDir: data}
	if err := runScore(context.Background(), cfg, opts); err != nil {
		t.Fatalf("runScore: %v", err)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var result scoring.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(result.ConfigHash) != 32 {
		t.Errorf("config hash = %q", result.ConfigHash)
	}
	// 4 items x 2 countries x 3 years.
	if len(result.Scores) != 24 {
		t.Errorf("got %d scores, want 24", len(result.Scores))
	}
	if len(result.Lines) != 8 {
		t.Errorf("got %d lines, want 8", len(result.Lines))
	}
	for _, l := range result.Lines {
		if l.CCode == "FRA" && len(l.CGroup) != 2 {
			t.Errorf("FRA groups = %v", l.CGroup)
		}
	}

	// A second run is served from the sqlite cache.
	opts.outPath = filepath.Join(dir, "again.json")
	if err := runScore(context.Background(), cfg, opts); err != nil {
		t.Fatalf("second runScore: %v", err)
	}
	again, err := os.ReadFile(opts.outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var cached scoring.Result
	if err := json.Unmarshal(again, &cached); err != nil {
		t.Fatalf("decode cached output: %v", err)
	}
	if cached.ConfigHash != result.ConfigHash || len(cached.Scores) != len(result.Scores) {
		t.Errorf("cached result %s/%d, want %s/%d",
			cached.ConfigHash, len(cached.Scores), result.ConfigHash, len(result.Scores))
	}
}

func TestRunScore_Errors(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Cache.Backend = "memory"
	invalid := writeDocs(t, dir, "bad.json", testDocs("Score = goalpost(Y, 0, 100)"))
	valid := writeDocs(t, dir, "ok.json", testDocs("Score = goalpost(X, 0, 100)"))

	tests := []struct {
		name string
		opts scoreOpts
	}{
		{"unknown format", scoreOpts{file: valid, outputFmt: "csv"}},
		{"xlsx without out", scoreOpts{file: valid, outputFmt: "xlsx"}},
		{"inverted window", scoreOpts{file: valid, startYear: 2020, endYear: 2010}},
		{"invalid config", scoreOpts{file: invalid, dataDir: dir}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := runScore(context.Background(), cfg, tc.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFailures(t *testing.T) {
	docs := []scoring.ScoreDoc{
		{ItemCode: "B", ItemType: "Indicator", Error: "DataQualityError: no observations"},
		{ItemCode: "B", ItemType: "Indicator", Error: "DataQualityError: no observations"},
		{ItemCode: "A", ItemType: "Indicator", Error: "ComputationError: division by zero"},
		{ItemCode: "C", ItemType: "Category", Error: "ignored"},
		{ItemCode: "D", ItemType: "Indicator"},
	}
	got := failures(docs)
	want := []string{"A: ComputationError: division by zero", "B: DataQualityError: no observations"}
	if len(got) != len(want) {
		t.Fatalf("failures = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("failures[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"a", "b", "c"}, "a"},
		{[]string{"", "b", "c"}, "b"},
		{[]string{"", "", "c"}, "c"},
		{[]string{"", "", ""}, ""},
	}

	for _, tt := range tests {
		got := firstNonEmpty(tt.args...)
		if got != tt.want {
			t.Errorf("firstNonEmpty(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
