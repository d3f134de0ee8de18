package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/kbchat/internal/llm"
)

func setupMiniredis(t *testing.T, maxEntries int, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "", maxEntries, ttl), mr
}

func TestFileRecorder_NamesBySpeaker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chat_logs")
	r := NewFileRecorder(dir)
	r.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, llm.RoleUser, "hello"))
	require.NoError(t, r.Record(ctx, llm.RoleAssistant, "hi there"))
	require.NoError(t, r.Record(ctx, llm.RoleUser, "again"))

	data, err := os.ReadFile(filepath.Join(dir, "chat_1700000000.000000_user.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "chat_1700000000.000000_chatbot.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "chat_1700000000.000000_user_1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(data))
}

func TestRedisStore_RecordAndRecent(t *testing.T) {
	store, _ := setupMiniredis(t, 0, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, llm.RoleUser, "Hello"))
	require.NoError(t, store.Record(ctx, llm.RoleAssistant, "Hi there!"))

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "Hello", entries[0].Content)
	assert.Equal(t, "assistant", entries[1].Role)
	assert.False(t, entries[1].Timestamp.IsZero())
}

func TestRedisStore_Trim(t *testing.T) {
	store, _ := setupMiniredis(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, llm.RoleUser, string(rune('A'+i))))
	}

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "C", entries[0].Content)
	assert.Equal(t, "E", entries[2].Content)
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := setupMiniredis(t, 0, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, llm.RoleUser, "Hello"))
	mr.FastForward(61 * time.Second)

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisStore_SkipsMalformed(t *testing.T) {
	store, mr := setupMiniredis(t, 0, 0)
	ctx := context.Background()

	_, err := mr.RPush(DefaultKey, "not json")
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, llm.RoleUser, "ok"))

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Content)

	require.NoError(t, store.Clear(ctx))
	entries, err = store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, llm.Role, string) error { return errors.New("disk full") }

func TestMulti_RecordsToAll(t *testing.T) {
	store, _ := setupMiniredis(t, 0, 0)
	m := Multi{failingRecorder{}, store}

	err := m.Record(context.Background(), llm.RoleUser, "hi")
	require.Error(t, err)

	entries, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
