package ledger_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/household-ledger/ledger"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2024-03-15", want: "2024-03-15"},
		{in: " 2024-03-15 ", want: "2024-03-15"},
		{in: "2024-03-15T22:30:00Z", want: "2024-03-15"},
		{in: "2024-03-15T23:30:00-05:00", want: "2024-03-16"},
		{in: "", wantErr: true},
		{in: "15/03/2024", wantErr: true},
		{in: "2024-02-30", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ledger.ParseDate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestEndOfMonth(t *testing.T) {
	assert.Equal(t, "2024-02-29", ledger.EndOfMonth(2024, time.February).String())
	assert.Equal(t, "2023-02-28", ledger.EndOfMonth(2023, time.February).String())
	assert.Equal(t, "2024-04-30", ledger.EndOfMonth(2024, time.April).String())
	assert.Equal(t, "2024-12-31", ledger.EndOfMonth(2024, time.December).String())
}

func TestDate_Comparison(t *testing.T) {
	d := ledger.NewDate(2024, 3, 15)

	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.After(d.AddDays(-1)))
	assert.True(t, d.Equal(ledger.DateOf(time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC))))
	assert.Equal(t, "2024-04-01", ledger.NewDate(2024, 3, 31).AddDays(1).String())
}

func TestDate_JSON(t *testing.T) {
	type wrapper struct {
		Due ledger.Date `json:"due"`
	}

	b, err := json.Marshal(wrapper{Due: ledger.NewDate(2024, 3, 15)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"due":"2024-03-15"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"due":"2024-04-30"}`), &w))
	assert.Equal(t, "2024-04-30", w.Due.String())

	require.NoError(t, json.Unmarshal([]byte(`{"due":null}`), &w))
	assert.True(t, w.Due.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"due":"tomorrow"}`), &w))
}
