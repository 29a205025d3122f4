package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fraudShift moves fraud rows along the components that separate the classes
// in the public card-fraud data (index into V1..V28, zero based).
var fraudShift = map[int]float64{
	2:  -5.0, // V3
	3:  4.0,  // V4
	9:  -4.0, // V10
	11: -5.0, // V12
	13: -6.0, // V14
	16: -5.0, // V17
}

// Generate builds a labelled demo dataset with n rows of which roughly
// fraudRatio are fraud. Output is deterministic for a seed.
func Generate(n int, fraudRatio float64, seed int64) *Dataset {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)+1))
	ds := &Dataset{Order: domain.FeatureNames}

	nFraud := int(math.Round(float64(n) * fraudRatio))
	for i := 0; i < n; i++ {
		fraud := i < nFraud
		rec := domain.TransactionRecord{Time: rng.Float64() * 172800}

		for j := range rec.V {
			rec.V[j] = rng.NormFloat64()
			if fraud {
				rec.V[j] += fraudShift[j]
			}
		}
		if fraud {
			rec.Amount = math.Round(math.Exp(rng.NormFloat64()*1.5+5)*100) / 100
		} else {
			rec.Amount = math.Round(math.Exp(rng.NormFloat64()+3.5)*100) / 100
		}

		label := 0
		if fraud {
			label = 1
		}
		ds.X = append(ds.X, rec.Values())
		ds.Y = append(ds.Y, label)
	}

	rng.Shuffle(len(ds.Y), func(i, j int) {
		ds.X[i], ds.X[j] = ds.X[j], ds.X[i]
		ds.Y[i], ds.Y[j] = ds.Y[j], ds.Y[i]
	})
	return ds
}

// WriteCSV writes ds with a header row in the reference dataset layout.
func WriteCSV(w io.Writer, ds *Dataset) error {
	cw := csv.NewWriter(w)
	header := append(append([]string(nil), ds.Order...), LabelColumn)
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for i, x := range ds.X {
		for j, v := range x {
			row[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		row[len(row)-1] = strconv.Itoa(ds.Y[i])
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
