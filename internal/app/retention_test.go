package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pruner struct {
	cutoff time.Time
	n      int
	err    error
}

func (p *pruner) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

func TestRetention_Prune(t *testing.T) {
	store := &pruner{n: 7}
	r := NewRetention(zap.NewNop(), store, 0)
	r.now = func() time.Time { return now }

	n, err := r.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, now.Add(-90*24*time.Hour), store.cutoff)

	store.err = errors.New("locked")
	_, err = r.Prune(context.Background())
	assert.Error(t, err)
}

func TestRetention_Start(t *testing.T) {
	r := NewRetention(zap.NewNop(), &pruner{}, 30)
	assert.Error(t, r.Start("not a schedule"))

	require.NoError(t, r.Start("@every 1h"))
	r.Stop()
}
