package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/kurir/pkg/tier"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name   string
	reply  Reply
	err    error
	models []string
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Complete(_ context.Context, model string, _ Request) (Reply, Usage, error) {
	b.models = append(b.models, model)
	return b.reply, Usage{InputTokens: 1, OutputTokens: 2}, b.err
}

func TestAPIProvider(t *testing.T) {
	t.Run("should validate routes", func(t *testing.T) {
		_, err := NewAPIProvider(nil, zerolog.Nop())
		assert.Error(t, err)

		_, err = NewAPIProvider(map[tier.Tier]Route{tier.Fast: {Backend: &fakeBackend{name: "x"}}}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("should route by tier", func(t *testing.T) {
		local := &fakeBackend{name: "openai_compat", reply: FinalMessage{Text: "local"}}
		cloud := &fakeBackend{name: "anthropic", reply: FinalMessage{Text: "cloud"}}
		p, err := NewAPIProvider(map[tier.Tier]Route{
			tier.Local:   {Backend: local, Model: "llama3"},
			tier.Fast:    {Backend: cloud, Model: "haiku"},
			tier.Premium: {Backend: cloud, Model: "opus"},
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, p.Serves(tier.Local))
		assert.False(t, p.Serves(tier.Balanced))

		req := userRequest("hi")
		req.Tier = tier.Local
		resp, err := p.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, FinalMessage{Text: "local"}, resp.Reply)
		assert.Equal(t, "api:openai_compat", resp.Provider)
		assert.Equal(t, Usage{InputTokens: 1, OutputTokens: 2}, resp.Usage)

		req.Tier = tier.Balanced
		_, err = p.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []string{"opus"}, cloud.models)
	})

	t.Run("should wrap backend errors", func(t *testing.T) {
		p, err := NewAPIProvider(map[tier.Tier]Route{
			tier.Premium: {Backend: &fakeBackend{name: "anthropic", err: errors.New("529 overloaded")}, Model: "opus"},
		}, zerolog.Nop())
		require.NoError(t, err)

		_, err = p.Send(context.Background(), userRequest("hi"))
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindAPI, pe.Kind)
		assert.Equal(t, "api:anthropic", pe.Provider)
	})
}
