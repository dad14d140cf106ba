package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hh, mm int) *time.Time {
	t := time.Date(2024, 3, 4, hh, mm, 0, 0, time.UTC)
	return &t
}

func TestClassify(t *testing.T) {
	start := ClassStart{Hour: 16}
	now := *at(16, 30)

	tests := []struct {
		name     string
		declared Status
		arrival  *time.Time
		grace    int
		want     Status
		wantLate *int
	}{
		{name: "on grace boundary", declared: StatusPresent, arrival: at(16, 15), grace: 15, want: StatusPresent},
		{name: "one minute past grace", declared: StatusPresent, arrival: at(16, 16), grace: 15, want: StatusLate, wantLate: intPtr(16)},
		{name: "before start", declared: StatusPresent, arrival: at(15, 59), grace: 15, want: StatusPresent},
		{name: "absent ignores arrival", declared: StatusAbsent, arrival: at(18, 0), grace: 15, want: StatusAbsent},
		{name: "nil arrival uses now", declared: StatusPresent, grace: 15, want: StatusLate, wantLate: intPtr(30)},
		{name: "declared late still classified by time", declared: StatusLate, arrival: at(16, 5), grace: 15, want: StatusPresent},
		{name: "negative grace clamps to zero", declared: StatusPresent, arrival: at(16, 1), grace: -5, want: StatusLate, wantLate: intPtr(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.declared, tt.arrival, start, tt.grace, now)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantLate, got.LateMinutes)
			if tt.want == StatusAbsent {
				assert.Nil(t, got.ArrivalTime)
			} else {
				require.NotNil(t, got.ArrivalTime)
			}
		})
	}
}

func TestClassifyDefaultsArrivalToNow(t *testing.T) {
	now := *at(16, 2)
	got := Classify(StatusPresent, nil, ClassStart{Hour: 16}, 15, now)
	require.NotNil(t, got.ArrivalTime)
	assert.True(t, got.ArrivalTime.Equal(now))
}

func TestParseClassStart(t *testing.T) {
	cs, err := ParseClassStart("08:45")
	require.NoError(t, err)
	assert.Equal(t, 8*60+45, cs.Minutes())
	assert.Equal(t, "08:45", cs.String())

	_, err = ParseClassStart("8 o'clock")
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Late ")
	require.NoError(t, err)
	assert.Equal(t, StatusLate, st)
	assert.True(t, st.Affected())
	assert.False(t, StatusPresent.Affected())

	_, err = ParseStatus("excused")
	assert.Error(t, err)
}

func intPtr(i int) *int { return &i }
