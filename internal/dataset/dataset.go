// Package dataset loads the labelled reference transactions used for training
// and prepares stratified train/test splits.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabelColumn is the header of the fraud label column (1 = fraud).
const LabelColumn = "Class"

// ErrTooFewSamples is returned when a class cannot be split.
var ErrTooFewSamples = errors.New("each class needs at least two samples")

// Dataset is an in-memory labelled table in domain.FeatureNames order.
// It is shared read-only between trainings.
type Dataset struct {
	X     [][]float64
	Y     []int
	Order []string
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Y)
}

// Frauds returns the number of positive rows.
func (d *Dataset) Frauds() int {
	n := 0
	for _, y := range d.Y {
		n += y
	}
	return n
}

// Split is a stratified train/test partition. Rows are shared with the
// parent Dataset and must not be modified.
type Split struct {
	TrainX [][]float64
	TrainY []int
	TestX  [][]float64
	TestY  []int
	Order  []string
}

// LoadFile reads a CSV dataset from disk.
func LoadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.DataUnavailableError{Path: path, Err: err}
	}
	defer f.Close()

	ds, err := Read(f)
	if err != nil {
		return nil, &domain.DataUnavailableError{Path: path, Err: err}
	}
	return ds, nil
}

// Read parses a CSV with a header row. Columns are matched by name, so extra
// columns and any column order are accepted.
func Read(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	cols := make([]int, len(domain.FeatureNames))
	for i, name := range domain.FeatureNames {
		c, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
		cols[i] = c
	}
	labelCol, ok := index[LabelColumn]
	if !ok {
		return nil, fmt.Errorf("missing column %q", LabelColumn)
	}

	ds := &Dataset{Order: domain.FeatureNames}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := make([]float64, len(cols))
		for i, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, domain.FeatureNames[i], err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("line %d column %s: non-finite value %q", line, domain.FeatureNames[i], rec[c])
			}
			row[i] = v
		}
		label, err := parseLabel(rec[labelCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ds.X = append(ds.X, row)
		ds.Y = append(ds.Y, label)
	}

	if ds.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}
	return ds, nil
}

func parseLabel(s string) (int, error) {
	f, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(s), `"'`), 64)
	if err != nil {
		return 0, fmt.Errorf("label %q: %w", s, err)
	}
	switch f {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	}
	return 0, fmt.Errorf("label %q must be 0 or 1", s)
}

// StratifiedSplit reserves testSize of each class for evaluation. The same
// seed always yields the same partition.
func StratifiedSplit(ds *Dataset, testSize float64, seed int64) (*Split, error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, fmt.Errorf("test size %.2f must be in (0,1)", testSize)
	}

	var byClass [2][]int
	for i, y := range ds.Y {
		byClass[y] = append(byClass[y], i)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	split := &Split{Order: ds.Order}
	for _, idx := range byClass {
		if len(idx) < 2 {
			return nil, ErrTooFewSamples
		}
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nTest := int(float64(len(idx))*testSize + 0.5)
		nTest = max(1, min(nTest, len(idx)-1))
		for k, i := range idx {
			if k < nTest {
				split.TestX = append(split.TestX, ds.X[i])
				split.TestY = append(split.TestY, ds.Y[i])
			} else {
				split.TrainX = append(split.TrainX, ds.X[i])
				split.TrainY = append(split.TrainY, ds.Y[i])
			}
		}
	}
	return split, nil
}
