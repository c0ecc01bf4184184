package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name       string
		expression string
		valid      bool
	}{
		{
			name:       "every minute",
			expression: "* * * * *",
			valid:      true,
		},
		{
			name:       "nightly",
			expression: "0 2 * * *",
			valid:      true,
		},
		{
			name:       "lists and ranges",
			expression: "0,30 9-17 * * 1-5",
			valid:      true,
		},
		{
			name:       "steps",
			expression: "*/15 */2 * * *",
			valid:      true,
		},
		{
			name:       "sunday as seven",
			expression: "0 0 * * 7",
			valid:      true,
		},
		{
			name:       "too few fields",
			expression: "0 2 * *",
			valid:      false,
		},
		{
			name:       "minute out of range",
			expression: "60 * * * *",
			valid:      false,
		},
		{
			name:       "month out of range",
			expression: "0 0 1 13 *",
			valid:      false,
		},
		{
			name:       "inverted range",
			expression: "30-10 * * * *",
			valid:      false,
		},
		{
			name:       "zero step",
			expression: "*/0 * * * *",
			valid:      false,
		},
		{
			name:       "garbage",
			expression: "every tuesday at noon",
			valid:      false,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Parse(testCase.expression)
			if testCase.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestNext(t *testing.T) {
	// A Wednesday.
	from := time.Date(2021, 6, 2, 10, 30, 0, 0, time.UTC)
	testCases := []struct {
		name       string
		expression string
		expected   time.Time
	}{
		{
			name:       "every minute",
			expression: "* * * * *",
			expected:   time.Date(2021, 6, 2, 10, 31, 0, 0, time.UTC),
		},
		{
			name:       "nightly at two",
			expression: "0 2 * * *",
			expected:   time.Date(2021, 6, 3, 2, 0, 0, 0, time.UTC),
		},
		{
			name:       "top of the hour",
			expression: "0 * * * *",
			expected:   time.Date(2021, 6, 2, 11, 0, 0, 0, time.UTC),
		},
		{
			name:       "weekly on monday",
			expression: "0 9 * * 1",
			expected:   time.Date(2021, 6, 7, 9, 0, 0, 0, time.UTC),
		},
		{
			name:       "first of the month",
			expression: "0 0 1 * *",
			expected:   time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:       "restricted dom and dow match either",
			expression: "0 0 3 * 5", // the 3rd, or any Friday
			expected:   time.Date(2021, 6, 3, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			schedule, err := Parse(testCase.expression)
			require.NoError(t, err)
			next, err := schedule.Next(from)
			require.NoError(t, err)
			require.Equal(t, testCase.expected, next)
		})
	}
}

func TestNextImpossibleSchedule(t *testing.T) {
	schedule, err := Parse("0 0 31 2 *")
	require.NoError(t, err)
	_, err = schedule.Next(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no time matching")
}
