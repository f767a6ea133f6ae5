// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/vpgmt/pkg/ml/data/imagefeatures"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newFeaturesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "features <matrix.npy|vectors_dir> <ids_file>",
		Short: "Loads an image feature store, checks every example vector and prints its statistics",
		Long: "Loads the feature matrix and the id mapping (one line of patch indices per example), or with " +
			"--single-vectors a directory of per-example <key>.npy files and a file of keys.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := settings(cmd)
			if err != nil {
				return err
			}
			return features(v, args[0], args[1])
		},
	}
	cmd.Flags().Bool("single-vectors", false, "Load one precomputed vector per example.")
	cmd.Flags().Bool("progress", true, "Display a progress bar while checking the vectors.")
	return cmd
}

// featureReport summarizes the vectors of a store.
type featureReport struct {
	NonFinite        int
	MinNorm, MaxNorm float64
}

// checkFeatures reads every example of store, counting non-finite values and tracking the vector norms.
// Progress is written to progress, if not nil.
func checkFeatures(store *imagefeatures.Store, progress io.Writer) (featureReport, error) {
	report := featureReport{MinNorm: math.Inf(1)}
	n := store.Len()
	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions(n,
			progressbar.OptionSetDescription("checking"),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("examples"),
			progressbar.OptionThrottle(100_000_000),
		)
	}
	for ii := range n {
		vec, err := store.Get(ii)
		if err != nil {
			return report, err
		}
		var sumSquares float64
		for _, x := range vec {
			v := float64(x)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				report.NonFinite++
				continue
			}
			sumSquares += v * v
		}
		norm := math.Sqrt(sumSquares)
		report.MinNorm = min(report.MinNorm, norm)
		report.MaxNorm = max(report.MaxNorm, norm)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		_, _ = fmt.Fprintln(progress)
	}
	if n == 0 {
		report.MinNorm = 0
	}
	return report, nil
}

func features(v *viper.Viper, source, idsPath string) error {
	registry := prometheus.NewRegistry()
	store := imagefeatures.New(imagefeatures.WithMetrics(registry, "cli"))
	defer store.Release()
	var err error
	if v.GetBool("single-vectors") {
		err = store.LoadSingleVectors(source, idsPath)
	} else {
		err = store.Load(source, idsPath)
	}
	if err != nil {
		return err
	}
	var progress io.Writer
	if v.GetBool("progress") {
		progress = os.Stderr
	}
	report, err := checkFeatures(store, progress)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Image features"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("source", source)
	table.Row("ids", idsPath)
	table.Row("# examples", humanize.Comma(int64(store.Len())))
	table.Row("# patches", humanize.Comma(int64(store.NumPatches())))
	table.Row("dim", humanize.Comma(int64(store.Dim())))
	table.Row("memory", humanize.Bytes(store.Memory()))
	table.Row("fingerprint", fmt.Sprintf("%016x", store.Fingerprint()))
	table.Row("vector norms", fmt.Sprintf("%.4g … %.4g", report.MinNorm, report.MaxNorm))
	table.Row("non-finite values", humanize.Comma(int64(report.NonFinite)))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Metrics"))
	table = newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Metric", "Value")
	for _, row := range metricRows(must.M1(registry.Gather())) {
		table.Row(row[0], row[1])
	}
	fmt.Println(table.Render())
	return nil
}

// metricRows formats the counters and gauges of families, sorted by name.
func metricRows(families []*dto.MetricFamily) [][2]string {
	var rows [][2]string
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var value float64
			switch {
			case metric.GetCounter() != nil:
				value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				value = metric.GetGauge().GetValue()
			default:
				continue
			}
			rows = append(rows, [2]string{family.GetName(), humanize.Ftoa(value)})
		}
	}
	slices.SortStableFunc(rows, func(a, b [2]string) int { return strings.Compare(a[0], b[0]) })
	return rows
}
