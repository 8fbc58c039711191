package future

import (
	"errors"
	"testing"

	"oss.nandlabs.io/taskflow/testing/assert"
)

func TestFuture_ResolveSetsValue(t *testing.T) {
	f := New("job-1")
	assert.False(t, f.Resolved())

	f.Resolve(42)

	assert.True(t, f.Resolved())
	assert.False(t, f.Failed())
	v, err := f.Get()
	assert.Nil(t, err)
	assert.Equal(t, 42, v)
}

func TestFuture_FailSetsError(t *testing.T) {
	f := New("job-2")
	want := errors.New("boom")

	f.Fail(want)

	assert.True(t, f.Failed())
	v, err := f.Get()
	assert.Nil(t, v)
	assert.Equal(t, want, err)
}

func TestFuture_GetBeforeSettleReturnsErrNotResolved(t *testing.T) {
	f := New("job-3")

	_, err := f.Get()
	assert.True(t, errors.Is(err, ErrNotResolved))
}

func TestFuture_OnlyFirstSettleWins(t *testing.T) {
	f := New("job-4")

	f.Resolve(1)
	f.Resolve(2)
	f.Fail(errors.New("ignored"))

	v, err := f.Get()
	assert.Nil(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_DoneClosesOnSettle(t *testing.T) {
	f := New("job-5")

	select {
	case <-f.Done():
		t.Fatal("done channel closed before settle")
	default:
	}

	f.Resolve("x")

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel not closed after Resolve")
	}
}

func TestFuture_OwnerID(t *testing.T) {
	f := New("owner-7")
	assert.Equal(t, "owner-7", f.OwnerID())
}
