// This program calculates feature contributions for a tree ensemble model.
package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/maxmind/treeshap"
)

type args struct {
	Model         string `arg:"--model,required" help:"path to the model, in the binary SHAP format (optionally snappy compressed) or, with --xgboost, an XGBoost JSON model"`
	Features      string `arg:"--features" help:"path to a file containing features (CSV, one row being one set of features, empty cells are missing)"`
	XGBoost       bool   `arg:"--xgboost" help:"the model is an XGBoost JSON model"`
	NtreeLimit    int    `arg:"--ntree-limit" help:"number of trees of an XGBoost model to use; defaults to best_ntree_limit from the model"`
	Approximate   bool   `arg:"--approximate" help:"calculate Saabas values instead of SHAP values"`
	IgnoreMissing bool   `arg:"--ignore-missing" help:"do not treat empty cells and NaN as missing values"`
	Workers       int    `arg:"--workers,env:TREESHAP_WORKERS" default:"1" help:"number of goroutines to spread rows over"`
	Summary       bool   `arg:"--summary" help:"also print the mean absolute contribution of every feature"`
	Convert       string `arg:"--convert" help:"write the model in the binary SHAP format to this path instead of explaining"`
	Snappy        bool   `arg:"--snappy" help:"snappy compress the model written by --convert"`
	Verbose       bool   `arg:"-v,--verbose" help:"log debug output"`
}

func (args) Description() string {
	return "Calculates SHAP feature contributions for a tree ensemble model."
}

func (a args) validate() error {
	if a.Features == "" && a.Convert == "" {
		return errors.New("one of --features or --convert is required")
	}
	return nil
}

func main() {
	var a args
	p := arg.MustParse(&a)

	if err := a.validate(); err != nil {
		p.Fail(err.Error())
	}

	logger, err := newLogger(a.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // Nothing to do about it on exit.

	if err := run(a, logger, os.Stdout); err != nil {
		logger.Fatal("calculating contributions", zap.Error(err))
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(a args, logger *zap.Logger, w io.Writer) error {
	explainer, err := loadExplainer(a, logger)
	if err != nil {
		return err
	}

	if a.Convert != "" {
		return convert(explainer.Ensemble(), a.Convert, a.Snappy, logger)
	}

	featuresSets, err := loadFeatures(a.Features)
	if err != nil {
		return err
	}

	contributionsSets, err := explainer.ExplainMatrix(
		featuresSets,
		a.Approximate,
		!a.IgnoreMissing,
	)
	if err != nil {
		return err
	}

	for i, contributionsSet := range contributionsSets {
		fmt.Fprintf(w, "Feature set %d:\n", i)
		for j, feature := range featuresSets[i] {
			if math.IsNaN(feature) {
				fmt.Fprintf(w, "  Feature %d: missing\n", j)
			} else {
				fmt.Fprintf(w, "  Feature %d: %.6f\n", j, feature)
			}
		}
		fmt.Fprintf(w, "Contributions for feature set %d:\n", i)
		for j, contribution := range contributionsSet {
			fmt.Fprintf(w, "  Contribution %d: %.6f\n", j, contribution)
		}
	}

	if a.Summary {
		return printSummary(w, contributionsSets)
	}
	return nil
}

func loadExplainer(a args, logger *zap.Logger) (*treeshap.Explainer, error) {
	opts := []treeshap.Option{
		treeshap.Logger(logger),
		treeshap.Workers(a.Workers),
	}

	fi, err := os.Stat(a.Model)
	if err != nil {
		return nil, fmt.Errorf("checking model: %w", err)
	}
	logger.Info(
		"loading model",
		zap.String("path", a.Model),
		zap.String("size", humanize.Bytes(uint64(fi.Size()))),
		zap.Bool("xgboost", a.XGBoost),
	)

	if !a.XGBoost {
		return treeshap.NewExplainerFromFile(a.Model, opts...)
	}

	fh, err := os.Open(filepath.Clean(a.Model))
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}
	defer fh.Close()

	ensemble, err := treeshap.ParseXGBoostJSON(fh, treeshap.NtreeLimit(a.NtreeLimit))
	if err != nil {
		return nil, err
	}
	return treeshap.NewExplainerFromEnsemble(ensemble, opts...), nil
}

func convert(
	ensemble *treeshap.TreeEnsemble,
	path string,
	compress bool,
	logger *zap.Logger,
) (err error) {
	fh, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := fh.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()

	if err := treeshap.WriteEnsemble(fh, ensemble, compress); err != nil {
		return err
	}

	logger.Info(
		"wrote model",
		zap.String("path", path),
		zap.Int("trees", ensemble.TreeLimit()),
		zap.Bool("snappy", compress),
	)
	return nil
}

func printSummary(w io.Writer, contributionsSets [][]float64) error {
	if len(contributionsSets) == 0 {
		return nil
	}

	fmt.Fprintln(w, "Mean absolute contributions:")
	for j := range contributionsSets[0] {
		data := make(stats.Float64Data, len(contributionsSets))
		for i, contributionsSet := range contributionsSets {
			data[i] = math.Abs(contributionsSet[j])
		}

		mean, err := stats.Mean(data)
		if err != nil {
			return fmt.Errorf("feature %d: %w", j, err)
		}
		fmt.Fprintf(w, "  Feature %d: %.6f\n", j, mean)
	}
	return nil
}

func loadFeatures(filename string) ([][]float64, error) {
	fh, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer fh.Close()

	csvReader := csv.NewReader(fh)
	var featuresSets [][]float64
	for {
		record, err := csvReader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading: %w", err)
		}

		var features []float64
		for _, col := range record {
			if col == "" {
				features = append(features, math.NaN()) // Indicates a missing value.
				continue
			}

			feature, err := strconv.ParseFloat(col, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing float: %w", err)
			}

			features = append(features, feature)
		}

		featuresSets = append(featuresSets, features)
	}

	return featuresSets, nil
}
