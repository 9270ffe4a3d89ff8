package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallback(t *testing.T) {
	t.Run("should not touch the secondary when the primary succeeds", func(t *testing.T) {
		a, b := newScripted(final("from a")), newScripted(final("from b"))
		f := NewFallback(a, b, zerolog.Nop())

		resp, err := f.Send(context.Background(), userRequest("hi"))
		require.NoError(t, err)
		assert.Equal(t, FinalMessage{Text: "from a"}, resp.Reply)
		assert.Empty(t, b.calls())
	})

	t.Run("should retry the same request on the secondary", func(t *testing.T) {
		a := newScripted(failWith(errors.New("overloaded")), final("a recovered"))
		b := newScripted(final("from b"))
		f := NewFallback(a, b, zerolog.Nop())
		req := userRequest("hi")

		resp, err := f.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, FinalMessage{Text: "from b"}, resp.Reply)
		assert.Equal(t, req, b.calls()[0])

		// not sticky: the next request goes to the primary again
		resp, err = f.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, FinalMessage{Text: "a recovered"}, resp.Reply)
		assert.Len(t, b.calls(), 1)
	})

	t.Run("should join both errors", func(t *testing.T) {
		errA := errors.New("api down")
		errB := &ProviderError{Provider: "cli", Kind: KindStall, Err: errors.New("quiet")}
		f := NewFallback(newScripted(failWith(errA)), newScripted(failWith(errB)), zerolog.Nop())

		_, err := f.Send(context.Background(), userRequest("hi"))
		require.Error(t, err)
		assert.ErrorIs(t, err, errA)
		assert.ErrorIs(t, err, errB)

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindStall, pe.Kind)
		assert.Equal(t, "fake+fake", pe.Provider)
	})

	t.Run("should surface an empty secondary run", func(t *testing.T) {
		f := NewFallback(
			newScripted(failWith(errors.New("api down"))),
			newScripted(failWith(&EmptyResponseError{Provider: "cli", Reason: EmptyNoResult})),
			zerolog.Nop(),
		)

		_, err := f.Send(context.Background(), userRequest("hi"))
		_, ok := IsEmptyResponse(err)
		assert.True(t, ok)
	})
}
