package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/kbchat/internal/conversation"
	"github.com/aiox-platform/kbchat/internal/llm"
	"github.com/aiox-platform/kbchat/internal/prompts"
	"github.com/aiox-platform/kbchat/internal/worker"
)

type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]llm.Message
	fn    func(msgs []llm.Message) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []llm.Message, _ string, _ float64) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llm.CloneMessages(msgs))
	f.mu.Unlock()
	return f.fn(msgs)
}

func templatesWith(t *testing.T, profileTemplate string) *prompts.Templates {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system_update_user_profile.txt"), []byte(profileTemplate), 0o644))
	return prompts.New(dir)
}

func setupMiniredis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "kbchat:profile"), mr
}

func TestConsolidate_BuildsMessages(t *testing.T) {
	fc := &fakeCompleter{fn: func([]llm.Message) (string, error) { return "Name: Ada", nil }}
	c := NewConsolidator(fc, templatesWith(t, "words=<<WORDS>> profile=<<UPD>>"), "gpt-4", 0)

	out, err := c.Consolidate(context.Background(), "Likes tea and math", "I am Ada\nI live in Lisbon")
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", out)

	require.Len(t, fc.calls, 1)
	assert.Equal(t, []llm.Message{
		llm.System("words=4 profile=Likes tea and math"),
		llm.User("I am Ada\nI live in Lisbon"),
	}, fc.calls[0])
}

func TestConsolidate_IdempotentUnderEchoModel(t *testing.T) {
	// the template is only the profile, and the model echoes the system message back
	echo := &fakeCompleter{fn: func(msgs []llm.Message) (string, error) { return msgs[0].Content, nil }}
	c := NewConsolidator(echo, templatesWith(t, "<<UPD>>"), "gpt-4", 0)

	first, err := c.Consolidate(context.Background(), "Name: Ada", "hello")
	require.NoError(t, err)
	second, err := c.Consolidate(context.Background(), first, "hello")
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", first)
	assert.Equal(t, first, second)
}

func TestConsolidate_ErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	fc := &fakeCompleter{fn: func([]llm.Message) (string, error) { return "", boom }}
	c := NewConsolidator(fc, prompts.New(""), "gpt-4", 0)

	_, err := c.Consolidate(context.Background(), "", "x")
	assert.ErrorIs(t, err, boom)
}

func TestTask_SavesNewProfile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "user_profile.txt"))
	require.NoError(t, store.Save(context.Background(), "old"))

	fc := &fakeCompleter{fn: func([]llm.Message) (string, error) { return "new", nil }}
	c := NewConsolidator(fc, prompts.New(""), "gpt-4", 0)

	err := c.Task(store, conversation.Snapshot{User: "I moved"})(context.Background())
	require.NoError(t, err)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", got)
	assert.Equal(t, "I moved", fc.calls[0][1].Content)
}

func TestTask_FailureKeepsOldProfile(t *testing.T) {
	store, _ := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "old"))

	fc := &fakeCompleter{fn: func([]llm.Message) (string, error) {
		return "", &llm.FatalExhaustedError{Attempts: 8, Last: errors.New("down")}
	}}
	c := NewConsolidator(fc, prompts.New(""), "gpt-4", 0)

	err := c.Task(store, conversation.Snapshot{User: "x"})(ctx)
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", got)
}

func TestTask_ConsecutiveTurnsCompose(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "user_profile.txt"))
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "old"))

	var mu sync.Mutex
	active, peak := 0, 0
	// appends the newest user line to the profile it was given
	fc := &fakeCompleter{fn: func(msgs []llm.Message) (string, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()

		lines := strings.Split(msgs[1].Content, "\n")
		return msgs[0].Content + "|" + lines[len(lines)-1], nil
	}}
	c := NewConsolidator(fc, templatesWith(t, "<<UPD>>"), "gpt-4", 0)

	pool := worker.NewPool(2, 16, nil)
	t.Cleanup(func() { pool.Close(context.Background()) })
	require.NoError(t, pool.Submit(ctx, "profile", c.Task(store, conversation.Snapshot{User: "a"})))
	require.NoError(t, pool.Submit(ctx, "profile", c.Task(store, conversation.Snapshot{User: "a\nb"})))
	pool.Wait()

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old|a|b", got)
	assert.Equal(t, 1, peak)
}

func TestFileStore_MissingIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "user_profile.txt"))
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, store.Save(context.Background(), "Name: Ada"))
	got, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", got)
}

func TestRedisStore_LoadSave(t *testing.T) {
	store, mr := setupMiniredis(t)
	ctx := context.Background()

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, store.Save(ctx, "Name: Ada"))
	val, err := mr.Get("kbchat:profile")
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", val)

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", got)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	store, mr := setupMiniredis(t)
	mr.Close()

	_, err := store.Load(context.Background())
	require.Error(t, err)
}
