package core

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduce(t *testing.T) {
	cases := []struct {
		events []string
		expect string
	}{
		{[]string{"i"}, OpInsert},
		{[]string{"u"}, OpUpdate},
		{[]string{"d"}, OpDelete},
		{[]string{"i", "u", "u", "d"}, OpNoOp},
		{[]string{"i", "d", "u", "d"}, OpNoOp},
		{[]string{"i", "d", "i", "u"}, OpInsert},
		{[]string{"i", "u", "u", "u"}, OpInsert},
		{[]string{"d", "i", "u"}, OpUpdate},
		{[]string{"u", "u", "u"}, OpUpdate},
		{[]string{"u", "u", "d"}, OpDelete},
		{[]string{"i", "u", "d", "i", "u", "u", "d", "i", "u"}, OpInsert},
		{[]string{"d", "i"}, OpUpdate},
		{[]string{"u", "d"}, OpDelete},
		{[]string{"i", "d"}, OpNoOp},
	}
	for _, c := range cases {
		actual, err := Reduce(c.events)
		require.NoError(t, err, "%v", c.events)
		assert.Equal(t, c.expect, actual, "%v", c.events)
	}
}

func TestReduceInvalid(t *testing.T) {
	invalid := [][]string{
		nil,
		{},
		{"r"},
		{"i", "u", "r"},
		{"i", "i"},
		{"u", "i"},
		{"d", "d", "i"},
		{"d", "u"},
	}
	for _, events := range invalid {
		_, err := Reduce(events)
		assert.Error(t, err, "%v", events)
	}
}

func TestReduceNetEffect(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("reduction matches document existence before and after", prop.ForAll(
		func(existed bool, choices []bool) bool {
			if len(choices) == 0 {
				return true
			}
			exists := existed
			events := make([]string, len(choices))
			for i, update := range choices {
				switch {
				case !exists:
					events[i] = OpInsert
					exists = true
				case update:
					events[i] = OpUpdate
				default:
					events[i] = OpDelete
					exists = false
				}
			}
			actual, err := Reduce(events)
			if err != nil {
				return false
			}
			switch {
			case existed && exists:
				return actual == OpUpdate
			case !existed && exists:
				return actual == OpInsert
			case existed && !exists:
				return actual == OpDelete
			default:
				return actual == OpNoOp
			}
		},
		gen.Bool(),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
