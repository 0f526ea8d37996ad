package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncomeIndexQueuePushMerge(t *testing.T) {
	q := NewIncomeIndexQueue(100)

	res := q.Push(Range{Start: 10, End: 20})
	assert.True(t, res.Valid)
	assert.False(t, res.Exists)
	assert.False(t, res.Finished)

	// abuts on the right: should merge into a single range.
	res = q.Push(Range{Start: 20, End: 30})
	assert.False(t, res.Exists)
	assert.Equal(t, []Range{{Start: 10, End: 30}}, q.queue)

	// abuts on the left.
	res = q.Push(Range{Start: 0, End: 10})
	assert.False(t, res.Exists)
	assert.Equal(t, []Range{{Start: 0, End: 30}}, q.queue)

	// already contained.
	res = q.Push(Range{Start: 5, End: 15})
	assert.True(t, res.Exists)
	assert.Equal(t, []Range{{Start: 0, End: 30}}, q.queue)

	// a disjoint range later bridges two gaps via cascade merge.
	q.Push(Range{Start: 50, End: 60})
	assert.Equal(t, []Range{{Start: 0, End: 30}, {Start: 50, End: 60}}, q.queue)

	res = q.Push(Range{Start: 30, End: 50})
	assert.False(t, res.Exists)
	assert.Equal(t, []Range{{Start: 0, End: 60}}, q.queue)
}

func TestIncomeIndexQueueFinished(t *testing.T) {
	q := NewIncomeIndexQueue(10)
	res := q.Push(Range{Start: 0, End: 10})
	assert.True(t, res.Finished)
	assert.True(t, q.Finished())
}

func TestIncomeIndexQueueOutOfLimit(t *testing.T) {
	q := NewIncomeIndexQueue(10)
	res := q.Push(Range{Start: 10, End: 12})
	assert.False(t, res.Valid)
}

func TestIncomeIndexQueueExists(t *testing.T) {
	q := NewIncomeIndexQueue(100)
	q.Push(Range{Start: 10, End: 20})

	ok, err := q.Exists(15)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Exists(25)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = q.Exists(200)
	assert.Error(t, err)
}

func TestIncomeIndexQueueRequire(t *testing.T) {
	q := NewIncomeIndexQueue(100)
	q.Push(Range{Start: 10, End: 20})
	q.Push(Range{Start: 40, End: 50})

	maxSeen, missing, ok := q.Require(0, 50, 1)
	assert.True(t, ok)
	assert.Equal(t, uint32(49), maxSeen)
	assert.Equal(t, []Range{{Start: 0, End: 10}, {Start: 20, End: 40}}, missing)

	// fully covered window yields no requirement.
	_, _, ok = q.Require(10, 20, 1)
	assert.False(t, ok)
}

func TestOutcomeIndexQueuePopNextForwardAndReverse(t *testing.T) {
	fwd := NewOutcomeIndexQueue(0, 5, 1)
	var got []uint32
	for {
		idx, ok := fwd.PopNext()
		if !ok {
			break
		}
		got = append(got, idx)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, got)

	rev := NewOutcomeIndexQueue(0, 5, -1)
	got = nil
	for {
		idx, ok := rev.PopNext()
		if !ok {
			break
		}
		got = append(got, idx)
	}
	assert.Equal(t, []uint32{4, 3, 2, 1, 0}, got)
}

func TestOutcomeIndexQueueMergeReAddsLostAndTrims(t *testing.T) {
	q := NewOutcomeIndexQueue(0, 10, 1)
	// drain everything.
	for {
		if _, ok := q.PopNext(); !ok {
			break
		}
	}
	assert.Empty(t, q.queue)

	changed := q.Merge(6, []Range{{Start: 2, End: 4}})
	assert.True(t, changed)
	// lost range re-added, plus everything beyond maxIndex (7..10).
	assert.Equal(t, []Range{{Start: 2, End: 4}, {Start: 7, End: 10}}, q.queue)
}

func TestOutcomeIndexQueueReset(t *testing.T) {
	q := NewOutcomeIndexQueue(0, 10, 1)
	q.PopNext()
	assert.True(t, q.Reset())
	assert.Equal(t, []Range{{Start: 0, End: 10}}, q.queue)
	assert.False(t, q.Reset())
}
