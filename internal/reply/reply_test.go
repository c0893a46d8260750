package reply

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/agavesync/internal/reactor"
)

func TestStateText(t *testing.T) {
	assert.Equal(t, "GOOD", Good.String())
	assert.Equal(t, "Request Successful", Good.Message())
	assert.Equal(t, "INVALID_PARAM", InvalidParam.String())
	assert.Equal(t, "Parameters given for task are invalid.", InvalidParam.Message())
	assert.Equal(t, "An unclassified error occured", Unclassified.Message())
	assert.Equal(t, "INTERNAL_ERROR", State(99).String())

	for s := Good; s <= Unclassified; s++ {
		assert.NotEmpty(t, s.String(), "state %d has no name", s)
		assert.NotEmpty(t, s.Message(), "state %d has no message", s)
	}
}

func TestOutcomeText(t *testing.T) {
	assert.Equal(t, "File Not found", Failure(FileNotFound).Text())
	assert.Equal(t, "quota exceeded", FailureMsg(ExplicitError, "quota exceeded").Text())
	assert.True(t, Success(nil).OK())
}

func TestNotStartedUntilAttached(t *testing.T) {
	starts := 0
	r := New("dirListing", map[string]string{"dirPath": "/a"}, func(r *Reply) { starts++ })
	assert.Equal(t, 0, starts)

	r.OnComplete(func(Outcome) {})
	r.OnComplete(func(Outcome) {})
	assert.Equal(t, 1, starts, "work starts once, on first attach")
	assert.False(t, r.Done())
}

func TestSynchronousCompletionIsNotMissed(t *testing.T) {
	r := New("changeDir", nil, func(r *Reply) { r.Complete(Success("ok")) })

	var got Outcome
	r.OnComplete(func(o Outcome) { got = o })

	require.True(t, r.Done())
	assert.Equal(t, Good, got.State)
	assert.Equal(t, "ok", got.Value)
}

func TestCompleteFiresOnce(t *testing.T) {
	r := New("fileDelete", nil, nil)
	calls := 0
	r.OnComplete(func(Outcome) { calls++ })

	assert.True(t, r.Complete(Success(nil)))
	assert.False(t, r.Complete(Failure(InternalError)))
	assert.Equal(t, 1, calls)

	o, done := r.Outcome()
	require.True(t, done)
	assert.Equal(t, Good, o.State)
}

func TestAttachAfterCompletionRunsImmediately(t *testing.T) {
	r := Failed("bogus", map[string]string{"x": "1"}, UnknownTask)
	var got State = Pending
	r.OnComplete(func(o Outcome) { got = o.State })
	assert.Equal(t, UnknownTask, got)
	assert.Equal(t, "1", r.Param("x"))
}

func TestParamsAreCopied(t *testing.T) {
	params := map[string]string{"toDelete": "/a/b"}
	r := New("fileDelete", params, nil)
	params["toDelete"] = "/other"
	assert.Equal(t, "/a/b", r.Param("toDelete"))
	assert.NotEmpty(t, r.ID())
}

func TestAwait(t *testing.T) {
	loop := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	o, err := Await(ctx, loop, func() *Reply {
		r := New("getJobList", nil, func(r *Reply) {
			loop.Post(func() { r.Complete(Success([]string{"job-1"})) })
		})
		return r
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, o.Value)
}

func TestAwaitAborted(t *testing.T) {
	loop := reactor.New() // never run
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, loop, func() *Reply { return New("x", nil, nil) })
	assert.ErrorIs(t, err, ErrAborted)
}
