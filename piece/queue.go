// Package piece implements the piece codec of spec §4.1 (C2): the
// IncomeIndexQueue/OutcomeIndexQueue range-merge algorithms and the
// Stream/Raptor encoder and decoder built on top of them.
package piece

import "sort"

// Range is a half-open integer interval [Start, End).
type Range struct {
	Start, End uint32
}

func (r Range) Len() uint32 { return r.End - r.Start }

// LostRange is an alias for Range used at the ChunkDecoder.Lost/
// ChunkEncoder.MergeControl seam, where callers translate to and from
// protocol.LostRange when building a wire PieceControl.
type LostRange = Range

// insertRange merges r into a sorted, disjoint slice of ranges using
// the single merge algorithm spec §4.1 requires IncomeIndexQueue.push
// and OutcomeIndexQueue.merge to share ("These two merge paths must be
// behaviourally identical"). Returns the new queue, whether r was
// already fully contained (exists), and whether anything changed.
func insertRange(queue []Range, r Range) (out []Range, exists bool, changed bool) {
	if len(queue) == 0 {
		return []Range{r}, false, true
	}

	for i := range queue {
		next := queue[i]
		switch {
		case r.Start >= next.Start && r.End <= next.End:
			// contained: no-op
			return queue, true, false
		case r.End < next.Start:
			// strictly before this range: insert here
			out = make([]Range, 0, len(queue)+1)
			out = append(out, queue[:i]...)
			out = append(out, r)
			out = append(out, queue[i:]...)
			return out, false, true
		case r.End == next.Start:
			// abuts the start: extend left, then cascade-check merge
			// with whatever now overlaps to the right (can't happen
			// going left since queue is sorted and disjoint before
			// this edit, but a later push could abut both sides).
			merged := make([]Range, len(queue))
			copy(merged, queue)
			merged[i].Start = r.Start
			return cascadeMerge(merged, i), false, true
		case r.Start <= next.End:
			// overlaps or abuts the end: extend, then cascade-check
			// merge with successors.
			merged := make([]Range, len(queue))
			copy(merged, queue)
			if r.Start < merged[i].Start {
				merged[i].Start = r.Start
			}
			if r.End > merged[i].End {
				merged[i].End = r.End
			}
			return cascadeMerge(merged, i), false, true
		default:
			continue
		}
	}

	// past every existing range: append.
	out = make([]Range, len(queue)+1)
	copy(out, queue)
	out[len(queue)] = r
	return out, false, true
}

// cascadeMerge absorbs any ranges following index i that now overlap or
// abut queue[i], mirroring the rust CheckMerge branch.
func cascadeMerge(queue []Range, i int) []Range {
	j := i + 1
	for j < len(queue) && queue[j].Start <= queue[i].End {
		if queue[j].End > queue[i].End {
			queue[i].End = queue[j].End
		}
		j++
	}
	out := make([]Range, 0, len(queue)-(j-i-1))
	out = append(out, queue[:i+1]...)
	out = append(out, queue[j:]...)
	return out
}

// PushResult mirrors PushIndexResult from spec §4.1/§8.
type PushResult struct {
	Valid    bool
	Exists   bool
	Finished bool
}

func (r PushResult) Pushed() bool {
	return !r.Finished && !r.Exists && r.Valid
}

// IncomeIndexQueue is the receiver-side range set of spec §4.1.
type IncomeIndexQueue struct {
	end   uint32
	queue []Range
}

func NewIncomeIndexQueue(end uint32) *IncomeIndexQueue {
	return &IncomeIndexQueue{end: end}
}

func (q *IncomeIndexQueue) End() uint32 { return q.end }

// Finished reports whether the queue has collapsed to exactly [0, end).
func (q *IncomeIndexQueue) Finished() bool {
	return len(q.queue) == 1 && q.queue[0].Start == 0 && q.queue[0].End == q.end
}

func (q *IncomeIndexQueue) finishedResult() bool {
	return q.Finished()
}

// TryPush reports what Push would do without mutating the queue.
func (q *IncomeIndexQueue) TryPush(r Range) PushResult {
	if r.Start >= q.end {
		return PushResult{Valid: false, Exists: false, Finished: q.finishedResult()}
	}
	exists := false
	for _, e := range q.queue {
		if r.Start >= e.Start && r.End <= e.End {
			exists = true
			break
		}
	}
	return PushResult{Valid: true, Exists: exists, Finished: q.finishedResult()}
}

// Push merges r into the received set and reports the outcome.
func (q *IncomeIndexQueue) Push(r Range) PushResult {
	if r.Start >= q.end {
		return PushResult{Valid: false, Exists: false, Finished: q.finishedResult()}
	}
	newQueue, exists, _ := insertRange(q.queue, r)
	q.queue = newQueue
	return PushResult{Valid: true, Exists: exists, Finished: q.finishedResult()}
}

// Exists is a logarithmic containment test (binary search over the
// sorted, disjoint range list).
func (q *IncomeIndexQueue) Exists(index uint32) (bool, error) {
	if index >= q.end {
		return false, errOutOfLimit
	}
	i := sort.Search(len(q.queue), func(i int) bool { return q.queue[i].End > index })
	if i < len(q.queue) && q.queue[i].Start <= index {
		return true, nil
	}
	return false, nil
}

// Require returns the gaps in [start, end) not yet received. When
// step>0, maxSeen is the highest received index seen so far; when
// step<0 it is the lowest. Returns ok=false when the queue is already
// Finished (nothing further to require), matching the Rust Option<...>.
func (q *IncomeIndexQueue) Require(start, end uint32, step int32) (maxSeen uint32, missing []Range, ok bool) {
	if q.Finished() {
		return 0, nil, false
	}

	var exists []Range
	for _, e := range q.queue {
		if e.End <= start {
			continue
		}
		if e.Start >= end {
			break
		}
		exists = append(exists, Range{Start: max32(start, e.Start), End: min32(end, e.End)})
	}

	var require []Range
	remain := Range{Start: start, End: end}
	for _, e := range exists {
		cur := Range{Start: remain.Start, End: e.Start}
		if cur.End > cur.Start {
			require = append(require, cur)
		}
		remain.Start = e.End
	}
	if remain.End > remain.Start {
		require = append(require, remain)
	}

	if len(require) == 0 {
		return 0, nil, false
	}
	if step > 0 {
		return q.queue[len(q.queue)-1].End - 1, require, true
	}
	return q.queue[0].Start, require, true
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// OutcomeIndexQueue is the sender-side pending-index set of spec §4.1.
type OutcomeIndexQueue struct {
	step  int32
	start uint32
	end   uint32
	queue []Range
}

func NewOutcomeIndexQueue(start, end uint32, step int32) *OutcomeIndexQueue {
	return &OutcomeIndexQueue{step: step, start: start, end: end, queue: []Range{{Start: start, End: end}}}
}

// Reset restores the queue to its initial full range, reporting whether
// anything changed.
func (q *OutcomeIndexQueue) Reset() bool {
	if len(q.queue) == 1 && q.queue[0].Start == q.start && q.queue[0].End == q.end {
		return false
	}
	q.queue = []Range{{Start: q.start, End: q.end}}
	return true
}

// Merge re-adds indices the receiver reported lost and trims indices
// beyond maxIndex (per the signed step), reusing insertRange so its
// behaviour is identical to IncomeIndexQueue.Push (spec §4.1).
func (q *OutcomeIndexQueue) Merge(maxIndex uint32, lost []Range) bool {
	changed := false
	for _, l := range lost {
		newQueue, _, didChange := insertRange(q.queue, l)
		q.queue = newQueue
		changed = changed || didChange
	}
	if q.step > 0 {
		if maxIndex < q.end-1 {
			newQueue, _, didChange := insertRange(q.queue, Range{Start: maxIndex + 1, End: q.end})
			q.queue = newQueue
			changed = changed || didChange
		}
	} else {
		if maxIndex > q.start {
			newQueue, _, didChange := insertRange(q.queue, Range{Start: q.start, End: maxIndex})
			q.queue = newQueue
			changed = changed || didChange
		}
	}
	return changed
}

// Next peeks the next index PopNext would return, without popping.
func (q *OutcomeIndexQueue) Next() (uint32, bool) {
	if len(q.queue) == 0 {
		return 0, false
	}
	if q.step > 0 {
		return q.queue[0].Start, true
	}
	return q.queue[len(q.queue)-1].End - 1, true
}

// PopNext returns and removes the next index to emit: leftmost for a
// positive step, rightmost for a negative one.
func (q *OutcomeIndexQueue) PopNext() (uint32, bool) {
	if len(q.queue) == 0 {
		return 0, false
	}
	if q.step > 0 {
		r := &q.queue[0]
		index := r.Start
		if r.Len() == 1 {
			q.queue = q.queue[1:]
		} else {
			r.Start++
		}
		return index, true
	}
	last := len(q.queue) - 1
	r := &q.queue[last]
	index := r.End - 1
	if r.Len() == 1 {
		q.queue = q.queue[:last]
	} else {
		r.End--
	}
	return index, true
}
