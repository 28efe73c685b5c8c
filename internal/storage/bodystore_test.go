package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, maxBodies int) *BodyStore {
	t.Helper()
	s, err := OpenBodyStore(BodyStoreOptions{Prefix: "test_", MaxBodies: maxBodies}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &ResponseBody{RequestID: "r1", Body: []byte("hello")}))
	rb, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rb.Body)
	assert.False(t, rb.Base64Encoded)

	// 再次保存覆盖原记录
	require.NoError(t, s.Save(ctx, &ResponseBody{RequestID: "r1", Body: []byte("aGk="), Base64Encoded: true}))
	rb, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("aGk="), rb.Body)
	assert.True(t, rb.Base64Encoded)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t, 0)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBodyNotFound)
}

func TestDelete(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &ResponseBody{RequestID: "r1", Body: []byte("x")}))
	require.NoError(t, s.Delete(ctx, "r1"))
	require.NoError(t, s.Delete(ctx, "r1"))

	_, err := s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrBodyNotFound)
}

func TestSaveEvictsOldest(t *testing.T) {
	s := openStore(t, 2)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Save(ctx, &ResponseBody{
			RequestID: fmt.Sprintf("r%d", i),
			Body:      []byte{byte(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	_, err = s.Get(ctx, "r0")
	assert.ErrorIs(t, err, ErrBodyNotFound)
	_, err = s.Get(ctx, "r3")
	assert.NoError(t, err)
}
