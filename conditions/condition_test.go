package conditions

import (
	"testing"
	"time"

	"oss.nandlabs.io/taskflow/testing/assert"
)

type fakeSnapshot struct {
	statuses map[string]Status
	now      time.Time
}

func (f *fakeSnapshot) Status(id string) (Status, bool) {
	st, ok := f.statuses[id]
	return st, ok
}

func (f *fakeSnapshot) Now() time.Time {
	return f.now
}

func TestAfterAnother_WaitsForTerminal(t *testing.T) {
	snap := &fakeSnapshot{statuses: map[string]Status{"a": StatusRunning}}
	cond := AfterAnother("a")
	assert.False(t, cond.Evaluate(snap))

	snap.statuses["a"] = StatusFailed
	assert.True(t, cond.Evaluate(snap))
}

func TestAfterSuccess_RequiresDone(t *testing.T) {
	snap := &fakeSnapshot{statuses: map[string]Status{"a": StatusFailed}}
	cond := AfterSuccess("a")
	assert.False(t, cond.Evaluate(snap))

	snap.statuses["a"] = StatusDone
	assert.True(t, cond.Evaluate(snap))
}

func TestAfterFailure_RequiresFailed(t *testing.T) {
	snap := &fakeSnapshot{statuses: map[string]Status{"a": StatusDone}}
	cond := AfterFailure("a")
	assert.False(t, cond.Evaluate(snap))

	snap.statuses["a"] = StatusFailed
	assert.True(t, cond.Evaluate(snap))
}

func TestAfterTime(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := &fakeSnapshot{now: at.Add(-time.Minute)}
	cond := AfterTime(at)
	assert.False(t, cond.Evaluate(snap))

	snap.now = at
	assert.True(t, cond.Evaluate(snap))
}

func TestAllSatisfied(t *testing.T) {
	snap := &fakeSnapshot{statuses: map[string]Status{"a": StatusDone, "b": StatusRunning}}
	cond := NewAllSatisfied(AfterSuccess("a"), AfterAnother("b"))
	assert.False(t, cond.Evaluate(snap))

	snap.statuses["b"] = StatusCancelled
	assert.True(t, cond.Evaluate(snap))
}

func TestAnySatisfied(t *testing.T) {
	snap := &fakeSnapshot{statuses: map[string]Status{"a": StatusRunning, "b": StatusRunning}}
	cond := NewAnySatisfied(AfterAnother("a"), AfterAnother("b"))
	assert.False(t, cond.Evaluate(snap))

	snap.statuses["b"] = StatusDone
	assert.True(t, cond.Evaluate(snap))
}

func TestAnd_FlattensIntoAllSatisfied(t *testing.T) {
	a := AfterSuccess("a")
	b := AfterSuccess("b")
	c := AfterSuccess("c")

	combined := And(And(a, b), c)

	all, ok := combined.(*AllSatisfied)
	assert.True(t, ok)
	assert.Equal(t, 3, len(all.Conditions))
}
