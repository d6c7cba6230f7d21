package llm

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheBuildsOncePerModel(t *testing.T) {
	var built atomic.Int32
	cache := NewCache(func(model string) (Client, error) {
		built.Add(1)
		return NewMock("reply"), nil
	})

	first, err := cache.For("gpt-4o")
	require.NoError(t, err)
	second, err := cache.For("gpt-4o")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), built.Load())

	_, err = cache.For("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, int32(2), built.Load())
}

func TestCacheIsSafeForConcurrentSessions(t *testing.T) {
	var built atomic.Int32
	cache := NewCache(func(model string) (Client, error) {
		built.Add(1)
		return NewMock("reply"), nil
	})

	models := []string{"gpt-4o", "gpt-4o-mini", "o3"}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		model := models[i%len(models)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := cache.For(model)
			assert.NoError(t, err)
			assert.NotNil(t, client)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(len(models)), built.Load())
}

func TestCacheRetriesAfterFactoryError(t *testing.T) {
	boom := errors.New("endpoint down")
	fail := true
	cache := NewCache(func(model string) (Client, error) {
		if fail {
			return nil, boom
		}
		return NewMock("reply"), nil
	})

	_, err := cache.For("gpt-4o")
	require.ErrorIs(t, err, boom)

	fail = false
	client, err := cache.For("gpt-4o")
	require.NoError(t, err)
	assert.NotNil(t, client)
}
