// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetClearIsSet(t *testing.T) {
	b := New(10)
	assert.True(t, b.IsEmpty())

	b.Set(3)
	b.Set(7)
	assert.True(t, b.IsSet(3))
	assert.True(t, b.IsSet(7))
	assert.False(t, b.IsSet(4))
	assert.Equal(t, 2, b.Count())

	b.Clear(3)
	assert.False(t, b.IsSet(3))
	assert.Equal(t, 1, b.Count())
}

func TestOutOfRangeIsNoop(t *testing.T) {
	b := New(4)
	b.Set(100)
	assert.False(t, b.IsSet(100))
	assert.True(t, b.IsEmpty())
}

func TestAndOrAndNot(t *testing.T) {
	a := New(8)
	a.Set(0)
	a.Set(1)
	a.Set(2)

	b := New(8)
	b.Set(1)
	b.Set(2)
	b.Set(3)

	and := a.Clone().And(b)
	assert.Equal(t, []int{1, 2}, and.Indices())

	or := a.Clone().Or(b)
	assert.Equal(t, []int{0, 1, 2, 3}, or.Indices())

	diff := a.Clone().AndNot(b)
	assert.Equal(t, []int{0}, diff.Indices())
}

func TestIsSubsetOf(t *testing.T) {
	required := New(16)
	required.Set(2)
	required.Set(5)

	candidate := New(16)
	candidate.Set(1)
	candidate.Set(2)
	candidate.Set(5)
	candidate.Set(9)

	assert.True(t, required.IsSubsetOf(candidate))

	candidate.Clear(5)
	assert.False(t, required.IsSubsetOf(candidate))
}

func TestOverlaps(t *testing.T) {
	a := New(8)
	a.Set(1)
	b := New(8)
	b.Set(2)
	assert.False(t, a.Overlaps(b))
	b.Set(1)
	assert.True(t, a.Overlaps(b))
}

func TestConsecutiveRuns(t *testing.T) {
	b := New(20)
	for _, i := range []int{0, 1, 2, 5, 6, 10} {
		b.Set(i)
	}
	runs := b.ConsecutiveRuns()
	assert.Equal(t, [][2]int{{0, 3}, {5, 2}, {10, 1}}, runs)
}

func TestConsecutiveRunsEmpty(t *testing.T) {
	b := New(4)
	assert.Nil(t, b.ConsecutiveRuns())
}

func TestIndicesSpanningWords(t *testing.T) {
	b := New(200)
	b.Set(0)
	b.Set(63)
	b.Set(64)
	b.Set(199)
	assert.Equal(t, []int{0, 63, 64, 199}, b.Indices())
}

func TestClone(t *testing.T) {
	a := New(8)
	a.Set(3)
	clone := a.Clone()
	clone.Set(4)
	assert.False(t, a.IsSet(4))
	assert.True(t, clone.IsSet(3))
}

func TestString(t *testing.T) {
	b := New(8)
	b.Set(1)
	b.Set(3)
	assert.Equal(t, "[1,3]", b.String())
}
