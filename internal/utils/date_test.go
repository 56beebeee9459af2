package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeNormalizerParse(t *testing.T) {
	tn, err := NewTimeNormalizer("Asia/Shanghai")
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		display string
	}{
		{"space separated", "2025-07-28 01:57:31", "2025-07-28 09:57:31"},
		{"microseconds without zone", "2025-08-06 20:58:48.063065", "2025-08-07 04:58:48"},
		{"T separator with zone", "2025-08-07T04:07:39.690356Z", "2025-08-07 12:07:39"},
		{"offset zone", "2025-08-07T04:07:39+02:00", "2025-08-07 10:07:39"},
		{"no fraction T", "2025-08-07T04:07:39", "2025-08-07 12:07:39"},
		{"epoch seconds", "1754539659", "2025-08-07 12:07:39"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tn.Parse(tt.input)
			require.NotNil(t, got)
			assert.Equal(t, "Asia/Shanghai", got.Location().String())
			assert.Equal(t, tt.display, tn.Format(*got))
		})
	}
}

func TestTimeNormalizerInvalidInput(t *testing.T) {
	tn, err := NewTimeNormalizer("UTC")
	require.NoError(t, err)

	for _, input := range []string{"not-a-date", "", "   ", "yesterday at noon", "2025-13-45 99:99:99"} {
		assert.NotPanics(t, func() {
			assert.Nil(t, tn.Parse(input), input)
		})
	}
}

func TestDisplayOrRaw(t *testing.T) {
	tn, err := NewTimeNormalizer("UTC")
	require.NoError(t, err)

	ts := time.Date(2025, 8, 7, 4, 7, 39, 0, time.UTC)
	assert.Equal(t, "2025-08-07 04:07:39", tn.DisplayOrRaw(&ts, "ignored"))
	assert.Equal(t, "Posted sometime la", tn.DisplayOrRaw(nil, "Posted sometime last summer")[:18])
	assert.Len(t, []rune(tn.DisplayOrRaw(nil, "Posted sometime last summer")), len(DisplayFormat))
	assert.Equal(t, "3h", tn.DisplayOrRaw(nil, " 3h "))
}

func TestFromUnix(t *testing.T) {
	tn, err := NewTimeNormalizer("UTC")
	require.NoError(t, err)

	assert.Nil(t, tn.FromUnix(0))
	got := tn.FromUnix(1754539659)
	require.NotNil(t, got)
	assert.Equal(t, "2025-08-07 04:07:39", tn.Format(*got))
}
