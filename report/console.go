// Package report renders evaluation results and keeps a history of runs
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Mineru98/neural-vps-go/rank"
)

// PrintTable writes one line per query followed by the accuracy summary
func PrintTable(w io.Writer, eval *rank.Evaluation) error {
	if _, err := fmt.Fprintln(w, "QueryImage <=================> predicted dbImage"); err != nil {
		return err
	}

	for _, m := range eval.Matches {
		line := fmt.Sprintf("[Q] %s <==> [Pred] %s [Lat,Lon] = %s , %s",
			strings.TrimSpace(filepath.Base(m.Query)),
			strings.TrimSpace(filepath.Base(m.Prediction)),
			formatFloat(m.Pose.Lat),
			formatFloat(m.Pose.Lon))
		if m.Matched {
			line += " [*Matched]"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "Accuracy : %d / %d = %s %% in %d DB images\n",
		eval.NumMatched, len(eval.Matches), formatFloat(eval.Accuracy*100), eval.NumDB)
	if err != nil {
		return err
	}

	if len(eval.Recall) > 0 {
		ns := make([]int, 0, len(eval.Recall))
		for n := range eval.Recall {
			ns = append(ns, n)
		}
		sort.Ints(ns)
		for _, n := range ns {
			if _, err := fmt.Fprintf(w, "====> Recall@%d: %.4f\n", n, eval.Recall[n]); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
