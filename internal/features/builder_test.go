package features

import (
	"errors"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func fullPayload() map[string]any {
	p := map[string]any{"Time": 10000.0, "Amount": 123.45}
	for i := 1; i <= domain.NumAnonymizedFeatures; i++ {
		p["V"+strconv.Itoa(i)] = 0.0
	}
	return p
}

func TestBuildOrder(t *testing.T) {
	rec := &domain.TransactionRecord{Time: 1, Amount: 2}
	rec.V[0] = 3
	rec.V[27] = 4

	vec, err := Build(rec)
	require.NoError(t, err)
	require.Equal(t, domain.NumFeatures, vec.Len())
	assert.Equal(t, "Time", vec.Order[0])
	assert.Equal(t, "V1", vec.Order[1])
	assert.Equal(t, "V28", vec.Order[28])
	assert.Equal(t, "Amount", vec.Order[29])
	assert.Equal(t, []float64{1, 3, 4, 2}, []float64{vec.Values[0], vec.Values[1], vec.Values[28], vec.Values[29]})
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name  string
		rec   *domain.TransactionRecord
		field string
	}{
		{"nil record", nil, ""},
		{"negative amount", &domain.TransactionRecord{Amount: -1}, "Amount"},
		{"nan amount", &domain.TransactionRecord{Amount: math.NaN()}, "Amount"},
		{"inf time", &domain.TransactionRecord{Time: math.Inf(1)}, "Time"},
		{"huge amount", &domain.TransactionRecord{Amount: MaxAmount * 2}, "Amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.rec)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	t.Run("non-finite V feature", func(t *testing.T) {
		rec := &domain.TransactionRecord{}
		rec.V[13] = math.NaN()
		_, err := Build(rec)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "V14", ve.Field)
	})
}

func TestFromPayload(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		p := fullPayload()
		p["V14"] = -5.0
		p["merchant"] = " Starbucks "
		rec, err := FromPayload(p)
		require.NoError(t, err)
		assert.Equal(t, 123.45, rec.Amount)
		assert.Equal(t, -5.0, rec.V[13])
		assert.Equal(t, "Starbucks", rec.Merchant)
	})

	t.Run("missing V feature", func(t *testing.T) {
		p := fullPayload()
		delete(p, "V7")
		_, err := FromPayload(p)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "V7", ve.Field)
	})

	t.Run("non-numeric amount", func(t *testing.T) {
		p := fullPayload()
		p["Amount"] = "lots"
		_, err := FromPayload(p)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "Amount", ve.Field)
	})

	t.Run("merchant must be a string", func(t *testing.T) {
		p := fullPayload()
		p["merchant"] = 7.0
		_, err := FromPayload(p)
		assert.Error(t, err)
	})

	t.Run("nil body", func(t *testing.T) {
		_, err := FromPayload(nil)
		assert.Error(t, err)
	})
}

func TestSynthetic(t *testing.T) {
	rec := Synthetic(500, "Amazon")
	assert.Equal(t, float64(SyntheticTime), rec.Time)
	assert.Equal(t, 500.0, rec.Amount)
	assert.Equal(t, "Amazon", rec.Merchant)
	for _, v := range rec.V {
		assert.Zero(t, v)
	}
}

func TestCheck(t *testing.T) {
	vec, err := Build(&domain.TransactionRecord{Amount: 1})
	require.NoError(t, err)

	assert.NoError(t, Check(vec, domain.FeatureNames))

	err = Check(vec, domain.FeatureNames[:10])
	assert.True(t, errors.Is(err, domain.ErrFeatureOrder))

	swapped := append([]string(nil), domain.FeatureNames...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.ErrorIs(t, Check(vec, swapped), domain.ErrFeatureOrder)
}
