package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	neuralvps "github.com/Mineru98/neural-vps-go"
	"github.com/Mineru98/neural-vps-go/rank"
)

func evaluation() *rank.Evaluation {
	return &rank.Evaluation{
		Matches: []rank.Match{
			{
				Query:      "q/a.jpg",
				Prediction: "db/a_1.jpg",
				Pose:       neuralvps.Pose{Lat: 40.1, Lon: -79.9, Heading: 270},
				Distance:   0.25,
				Matched:    true,
			},
			{
				Query:      "q/b.jpg",
				Prediction: "db/c_1.jpg",
				Pose:       neuralvps.NoPose,
				Distance:   0.5,
			},
		},
		NumDB:      2,
		NumMatched: 1,
		Accuracy:   0.5,
		Recall:     map[int]float64{5: 1, 1: 0.5},
	}
}

func TestPrintTable(t *testing.T) {
	var out strings.Builder
	if err := PrintTable(&out, evaluation()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	expected := []string{
		"QueryImage <=================> predicted dbImage",
		"[Q] a.jpg <==> [Pred] a_1.jpg [Lat,Lon] = 40.1 , -79.9 [*Matched]",
		"[Q] b.jpg <==> [Pred] c_1.jpg [Lat,Lon] = -1 , -1",
		"Accuracy : 1 / 2 = 50 % in 2 DB images",
		"====> Recall@1: 0.5000",
		"====> Recall@5: 1.0000",
	}
	if len(lines) != len(expected) {
		t.Fatalf("Expected %d lines, got %d:\n%s", len(expected), len(lines), out.String())
	}
	for i := range expected {
		if lines[i] != expected[i] {
			t.Errorf("Line %d: expected %q, got %q", i, expected[i], lines[i])
		}
	}
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs", "results.db")

	sink, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer sink.Close()

	first := &Run{
		Dataset:   "deepguider",
		Arch:      "vgg16",
		Pooling:   "netvlad",
		StartedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Eval:      evaluation(),
	}
	id, err := sink.SaveRun(ctx, first)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id == "" || first.ID != id {
		t.Errorf("Expected generated run id, got %q", id)
	}

	second := &Run{Dataset: "pittsburgh", Arch: "alexnet", Pooling: "max", Eval: &rank.Evaluation{NumDB: 3}}
	if _, err := sink.SaveRun(ctx, second); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	runs, err := sink.Runs(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].Dataset != "pittsburgh" {
		t.Errorf("Expected newest run first, got %s", runs[0].Dataset)
	}
	old := runs[1]
	if old.Accuracy != 0.5 || old.NumQ != 2 || old.NumDB != 2 {
		t.Errorf("Unexpected stored run %+v", old)
	}
	if old.Recall[5] != 1 {
		t.Errorf("Expected recall@5 of 1, got %v", old.Recall)
	}
	if runs[0].Recall != nil {
		t.Errorf("Expected no recall, got %v", runs[0].Recall)
	}

	matched, err := sink.MatchedQueries(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 || matched[0] != "q/a.jpg" {
		t.Errorf("Expected [q/a.jpg], got %v", matched)
	}

	if _, err := sink.SaveRun(ctx, &Run{ID: id, Eval: evaluation()}); err == nil {
		t.Error("Expected error for duplicate run id")
	}
	if _, err := sink.SaveRun(ctx, &Run{}); err == nil {
		t.Error("Expected error for run without evaluation")
	}
}
