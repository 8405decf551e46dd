package tabular

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDate(t *testing.T) {
	ref := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2024-01-15", want: "2024-01-15"},
		{in: "15.01.2024", want: "2024-01-15"},
		{in: "15 января 2024 года", want: "2024-01-15"},
		{in: "3 сентября 2023", want: "2023-09-03"},
		{in: "January 15, 2024", want: "2024-01-15"},
		{in: "15 January 2024", want: "2024-01-15"},
		{in: "today", want: "2024-03-10"},
		{in: "yesterday", want: "2024-03-09"},
		{in: "вчера", want: "2024-03-09"},
		{in: "31.02.2024", wantErr: true},
		{in: "15.01.1850", wantErr: true},
		{in: "15.01.2150", wantErr: true},
		{in: "sometime soon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDate(tt.in, ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "$1,234.56", want: 1234.56},
		{in: "1 234,56 руб.", want: 1234.56},
		{in: "EUR 99", want: 99},
		{in: "500000", want: 500000},
		{in: "$1,234,567", want: 1234567},
		{in: "1,234,567.89", want: 1234567.89},
		{in: "$1,234", want: 1234},
		{in: "1.234.567,89", want: 1234567.89},
		{in: "no amount here", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeCurrency(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestNormalizeYesNo(t *testing.T) {
	assert.Equal(t, "Yes", NormalizeYesNo("YES"))
	assert.Equal(t, "Yes", NormalizeYesNo("да"))
	assert.Equal(t, "No", NormalizeYesNo("no"))
	assert.Equal(t, "No", NormalizeYesNo("Нет"))
	assert.Equal(t, "Unknown", NormalizeYesNo("maybe"))
	assert.Equal(t, "Unknown", NormalizeYesNo(""))
}

func TestVerbatimDerivable(t *testing.T) {
	snippet := "The  Supplier shall deliver\n the Goods within 30 days."
	assert.True(t, VerbatimDerivable("Supplier shall deliver the Goods", snippet))
	assert.True(t, VerbatimDerivable("deliver   the\nGoods", snippet))
	assert.False(t, VerbatimDerivable("within 60 days", snippet))
	assert.False(t, VerbatimDerivable("", snippet))
}
