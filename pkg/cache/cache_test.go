package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/control-plane/internal/config"
	"github.com/stretchr/testify/assert"
)

func setupTestCache(t *testing.T) (*Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	c, err := NewCache(config.RedisConfig{Host: mr.Host(), Port: port, DB: 0})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	return c, func() {
		c.Close()
		mr.Close()
	}
}

func TestSetNX_FirstCallerWins(t *testing.T) {
	c, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	fresh, err := c.SetNX(ctx, "webhook:dedupe:evt_1", "1", time.Minute)
	assert.NoError(t, err)
	assert.True(t, fresh, "first SetNX on a new key should report fresh=true")

	again, err := c.SetNX(ctx, "webhook:dedupe:evt_1", "1", time.Minute)
	assert.NoError(t, err)
	assert.False(t, again, "second SetNX on the same key should report fresh=false")
}

func TestSetNX_ExpiresIndependently(t *testing.T) {
	c, cleanup := setupTestCache(t)
	defer cleanup()
	ctx := context.Background()

	fresh, err := c.SetNX(ctx, "webhook:dedupe:evt_2", "1", time.Minute)
	assert.NoError(t, err)
	assert.True(t, fresh)

	otherFresh, err := c.SetNX(ctx, "webhook:dedupe:evt_3", "1", time.Minute)
	assert.NoError(t, err)
	assert.True(t, otherFresh, "a distinct key must not be affected by another key's dedupe entry")
}
