package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/livemq/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the TopicStore contract against an empty store.
func exerciseStore(t *testing.T, s TopicStore) {
	ctx := context.Background()

	topics, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, topics)

	require.NoError(t, s.Add(ctx, "sensor/1"))
	require.NoError(t, s.Add(ctx, " sensor/2 "))
	require.NoError(t, s.Add(ctx, "sensor/1"))
	assert.ErrorIs(t, s.Add(ctx, "   "), ErrInvalidTopic)

	topics, err = s.ListAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sensor/1", "sensor/2"}, topics)

	require.NoError(t, s.Remove(ctx, "sensor/1"))
	assert.ErrorIs(t, s.Remove(ctx, "sensor/1"), ErrTopicNotFound)
	assert.ErrorIs(t, s.Remove(ctx, ""), ErrInvalidTopic)

	topics, err = s.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor/2"}, topics)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreInitialTopics(t *testing.T) {
	s := NewMemoryStore("b", "a", "", "b")
	topics, err := s.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, topics)
}

func TestMemoryStoreListAllReturnsCopy(t *testing.T) {
	s := NewMemoryStore("a")
	topics, _ := s.ListAll(context.Background())
	topics[0] = "mutated"

	again, _ := s.ListAll(context.Background())
	assert.Equal(t, []string{"a"}, again)
}

func TestMemoryStoreConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Add(ctx, fmt.Sprintf("t/%d", i%10))
			_, _ = s.ListAll(ctx)
		}(i)
	}
	wg.Wait()

	topics, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, topics, 10)
}

func TestPGStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := pgtest.Pool(ctx, t)
	table := fmt.Sprintf("subscribed_topics_test_%d", time.Now().UnixNano())

	s := NewPGStoreFromPool(pool, table)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.ident())
		assert.NoError(t, err)
	})

	exerciseStore(t, s)
}

func TestPGStoreWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := pgtest.Pool(ctx, t)
	table := fmt.Sprintf("subscribed_topics_watch_%d", time.Now().UnixNano())
	s := NewPGStoreFromPool(pool, table)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.ident())
	})

	changes := make(chan Change, 8)
	watchCtx, stop := context.WithCancel(ctx)
	watchErr := make(chan error, 1)
	go func() { watchErr <- s.Watch(watchCtx, func(c Change) { changes <- c }) }()

	// LISTEN must be active before the first NOTIFY
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, s.Add(ctx, "a"))
	require.NoError(t, s.Add(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "a"))

	assert.Equal(t, Change{Op: ChangeAdded, Topic: "a"}, <-changes)
	assert.Equal(t, Change{Op: ChangeRemoved, Topic: "a"}, <-changes)
	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(100 * time.Millisecond):
	}

	stop()
	assert.NoError(t, <-watchErr)
}

func TestNewPGStoreRequiresConnection(t *testing.T) {
	_, err := NewPGStore(context.Background(), PGOptions{})
	assert.Error(t, err)
}
