package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2 + 2", 4},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"-3 + 5", 2},
		{"-(1 + 2) * -2", 6},
		{"1.5 * 2", 3},
		{"8 - 2 - 1", 5},
		{"16 / 4 / 2", 2},
		{"  7  ", 7},
	}
	for _, tt := range tests {
		got, err := Evaluate(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.InDelta(t, tt.want, got, 1e-9, tt.expr)
	}
}

func TestEvaluateErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"1 +",
		"(1 + 2",
		"1 / 0",
		"2 ** 3",
		"import os",
		"1 2",
		"1..2",
	} {
		_, err := Evaluate(expr)
		assert.ErrorIs(t, err, ErrExpression, expr)
	}
}
