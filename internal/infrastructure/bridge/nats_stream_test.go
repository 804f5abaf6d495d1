package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestSubject(t *testing.T) {
	b := New(Config{StreamPrefix: "spaces"}, newMemLog(), zaptest.NewLogger(t), nil)
	assert.Equal(t, "spaces.world.lobby", subject(b.Stream("world.lobby")))
	assert.Equal(t, "lobby", subject("lobby"))
}
