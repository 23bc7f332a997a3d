package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCompletionSeries(t *testing.T) {
	var cases = []struct {
		expr     string
		received []string
		expect   bool
	}{
		{`T1 and T2`, []string{"T1"}, false},
		{`T1 and T2`, []string{"T1", "T2", "loc"}, true},
		{`'T1' and 'T2'`, []string{"t1", "t2"}, true},
		{`T1 or T2`, []string{"T2"}, true},
		{`T1 or T2`, []string{"FLAIR"}, false},
		{`T1 and (T2 or FLAIR)`, []string{"T1", "FLAIR"}, true},
		{`T1 and (T2 or FLAIR)`, []string{"T1"}, false},
		{`'T1 axial'`, []string{"  T1 Axial "}, true},
		{`'T1 axial' and 'T2 coronal'`, []string{"T1 axial"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			var result, err = ParseCompletionSeries(tc.expr, tc.received)
			require.NoError(t, err)
			require.Equal(t, tc.expect, result)
		})
	}
}

func TestParseCompletionSeriesErrors(t *testing.T) {
	for _, expr := range []string{
		``,
		`   `,
		`T1 and`,
		`and T1`,
		`(T1 or T2`,
		`'unterminated`,
		`T1 T2)`,
	} {
		var _, err = ParseCompletionSeries(expr, []string{"T1"})
		require.ErrorIs(t, err, ErrMisconfigured, "expression %q", expr)
	}
}
