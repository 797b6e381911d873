package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetOrder(t *testing.T) {
	q := New(2)
	require.NoError(t, q.TryPut(Line{Body: []byte("a")}))
	require.NoError(t, q.TryPut(Line{Body: []byte("b")}))

	ctx := context.Background()
	l1, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(l1.Body))

	l2, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(l2.Body))
}

func TestTryPutOverflow(t *testing.T) {
	q := New(1)
	require.NoError(t, q.TryPut(Line{Body: []byte("a")}))
	err := q.TryPut(Line{Body: []byte("b")})
	assert.ErrorIs(t, err, ErrFull)
}

func TestGetRespectsContext(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
