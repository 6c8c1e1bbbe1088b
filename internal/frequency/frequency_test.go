package frequency

import (
	"errors"
	"testing"

	"github.com/riverfield/crontabber/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"30s", 30, false},
		{"5m", 300, false},
		{"2h", 7200, false},
		{"1d", 86400, false},
		{"1w", 604800, false},
		{"", 0, true},
		{"abc", 0, true},
		{"5x", 0, true},
		{"0s", 0, true},
		{"-1s", 0, true},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.wantErr {
			require.Error(t, err)
			var fde *errs.FrequencyDefinitionError
			assert.True(t, errors.As(err, &fde))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("03:05")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 3, Minute: 5}, tod)

	_, err = ParseTimeOfDay("24:00")
	require.Error(t, err)
	var tde *errs.TimeDefinitionError
	assert.True(t, errors.As(err, &tde))

	_, err = ParseTimeOfDay("03:60")
	require.Error(t, err)

	_, err = ParseTimeOfDay("nope")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tod := TimeOfDay{Hour: 3, Minute: 0}
	require.NoError(t, Validate(86400, &tod))
	require.NoError(t, Validate(604800, &tod))
	require.NoError(t, Validate(60, nil))

	err := Validate(3600, &tod)
	require.Error(t, err)
	var fde *errs.FrequencyDefinitionError
	require.True(t, errors.As(err, &fde))
}
