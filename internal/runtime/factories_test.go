package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryRegistryGetOrCreate(t *testing.T) {
	r := NewFactoryRegistry(newTestLogger())
	t.Cleanup(func() { _ = r.DestroyAllFactories(context.Background()) })

	a := r.GetOrCreateFactory("shop", FactoryOptions{Namespace: "storefront"})
	b := r.GetOrCreateFactory("shop", FactoryOptions{Namespace: "ignored"})
	assert.Same(t, a, b)
	assert.Equal(t, "shop", a.ID())
	assert.Equal(t, "storefront", a.Namespace())

	got, ok := r.Factory("shop")
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = r.Factory("missing")
	assert.False(t, ok)
}

func TestFactoryRegistryConcurrentGetOrCreate(t *testing.T) {
	r := NewFactoryRegistry(newTestLogger())
	t.Cleanup(func() { _ = r.DestroyAllFactories(context.Background()) })

	var wg sync.WaitGroup
	got := make([]*Factory, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.GetOrCreateFactory("shared", FactoryOptions{})
		}()
	}
	wg.Wait()
	for _, f := range got {
		assert.Same(t, got[0], f)
	}
	assert.Len(t, r.AllFactories(), 1)
}

func TestFactoryRegistryReplacesDestroyedFactory(t *testing.T) {
	r := NewFactoryRegistry(newTestLogger())
	t.Cleanup(func() { _ = r.DestroyAllFactories(context.Background()) })

	first := r.GetOrCreateFactory("shop", FactoryOptions{})
	require.NoError(t, first.Destroy(context.Background()))
	assert.Empty(t, r.AllFactories())

	second := r.GetOrCreateFactory("shop", FactoryOptions{})
	assert.NotSame(t, first, second)
	assert.False(t, second.IsDestroyed())
}

func TestFactoryRegistryMicrofrontend(t *testing.T) {
	r := NewFactoryRegistry(newTestLogger())
	t.Cleanup(func() { _ = r.DestroyAllFactories(context.Background()) })

	f := r.CreateMicrofrontendFactory("checkout", FactoryOptions{})
	assert.Equal(t, MicrofrontendPrefix+"checkout", f.ID())
	assert.Equal(t, "checkout", f.Namespace())
	assert.Same(t, f, r.CreateMicrofrontendFactory("checkout", FactoryOptions{}))

	bus, err := f.CreateInstance(context.Background(), instanceConfig("widget"))
	require.NoError(t, err)
	assert.True(t, bus.Config().MicrofrontendMode)
	assert.Equal(t, "checkout:widget:", bus.Config().StoragePrefix)
}

func TestFactoryRegistryDestroyAll(t *testing.T) {
	r := NewFactoryRegistry(newTestLogger())
	a := r.GetOrCreateFactory("a", FactoryOptions{})
	b := r.GetOrCreateFactory("b", FactoryOptions{})
	bus, err := a.CreateInstance(context.Background(), instanceConfig("x"))
	require.NoError(t, err)
	require.NoError(t, b.Destroy(context.Background()))

	require.NoError(t, r.DestroyAllFactories(context.Background()))
	assert.Empty(t, r.AllFactories())
	assert.True(t, a.IsDestroyed())
	assert.Equal(t, StateTerminated, bus.State())

	again := r.GetOrCreateFactory("a", FactoryOptions{})
	assert.NotSame(t, a, again)
	require.NoError(t, r.DestroyAllFactories(context.Background()))
}

func TestDefaultFactories(t *testing.T) {
	t.Cleanup(func() { _ = ResetDefaultFactories(context.Background()) })

	f := GetOrCreateFactory("default-test", FactoryOptions{Logger: newTestLogger()})
	mf := CreateMicrofrontendFactory("billing", FactoryOptions{Logger: newTestLogger()})

	ids := make([]string, 0, 2)
	for _, x := range AllFactories() {
		ids = append(ids, x.ID())
	}
	assert.ElementsMatch(t, []string{f.ID(), mf.ID()}, ids)

	require.NoError(t, DestroyAllFactories(context.Background()))
	assert.Empty(t, AllFactories())
}

func TestDefaultFactoriesInitAndReset(t *testing.T) {
	require.NoError(t, ResetDefaultFactories(context.Background()))
	t.Cleanup(func() { _ = ResetDefaultFactories(context.Background()) })

	r := InitDefaultFactories(newTestLogger())
	assert.Same(t, r, InitDefaultFactories(nil))
	assert.Same(t, r, DefaultFactories())

	f := GetOrCreateFactory("reset-test", FactoryOptions{})
	require.NoError(t, ResetDefaultFactories(context.Background()))
	assert.True(t, f.IsDestroyed())
	require.NoError(t, ResetDefaultFactories(context.Background()), "reset without a registry is a no-op")

	fresh := DefaultFactories()
	assert.NotSame(t, r, fresh)
	assert.Empty(t, fresh.AllFactories())
}
