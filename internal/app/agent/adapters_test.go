package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agent/pkg/log"
	"fleet-agent/pkg/secrets"
)

func TestSecretRegistrar(t *testing.T) {
	ctx := context.Background()
	store := secrets.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "AGENT_TOKEN", " tok-1 \n"))
	r := newSecretRegistrar(store, "AGENT_TOKEN", log.Nop())

	assert.False(t, r.IsRegistered())
	require.NoError(t, r.CreateSSLInfrastructure(ctx))
	assert.True(t, r.IsRegistered())
	tok, err := r.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// 失效后重新加载轮换后的 token
	require.NoError(t, store.Set(ctx, "AGENT_TOKEN", "tok-2"))
	r.InvalidateCertificate()
	assert.False(t, r.IsRegistered())
	tok, err = r.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.True(t, r.IsRegistered())
}

func TestSecretRegistrar_MissingTokenIsAnonymous(t *testing.T) {
	r := newSecretRegistrar(secrets.NewMemoryStore(), "AGENT_TOKEN", log.Nop())
	require.NoError(t, r.CreateSSLInfrastructure(context.Background()))
	assert.True(t, r.IsRegistered())
	tok, err := r.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestPluginGate(t *testing.T) {
	g := newPluginGate()
	assert.False(t, g.HasRunAtLeastOnce())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.AwaitFirstLoad(ctx), context.DeadlineExceeded)

	g.MarkLoaded()
	g.MarkLoaded()
	assert.True(t, g.HasRunAtLeastOnce())
	assert.NoError(t, g.AwaitFirstLoad(context.Background()))
}
