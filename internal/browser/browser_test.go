package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocatorMatchesText(t *testing.T) {
	assert.True(t, CSS("button").MatchesText("anything"))

	loc := HasText("button", "Sharp", "start")
	assert.True(t, loc.MatchesText("Sign in with SHARP-Start"))
	assert.True(t, loc.MatchesText("restart"))
	assert.False(t, loc.MatchesText("Log In"))
	assert.False(t, loc.MatchesText(""))
}

func TestLocatorString(t *testing.T) {
	assert.Equal(t, "input[name=email]", CSS("input[name=email]").String())
	assert.Equal(t, `button has-text("Refresh")`, HasText("button", "Refresh").String())
}

func TestSleep(t *testing.T) {
	t.Run("zero duration", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), 0))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	})

	t.Run("elapses", func(t *testing.T) {
		start := time.Now()
		assert.NoError(t, Sleep(context.Background(), 10*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})
}

func TestFlattenHeaders(t *testing.T) {
	out := flattenHeaders(map[string]any{
		"Authorization": "Bearer abc",
		"X-Count":       3,
	})
	assert.Equal(t, "Bearer abc", out["Authorization"])
	assert.Equal(t, "3", out["X-Count"])
}

func TestNewLauncherDefaults(t *testing.T) {
	l := NewLauncher(Options{}, nil)
	assert.Equal(t, 1920, l.opts.ViewportWidth)
	assert.Equal(t, 1080, l.opts.ViewportHeight)
	assert.Equal(t, DefaultUserAgent, l.opts.UserAgent)
	assert.NotEmpty(t, l.allocatorOptions())
}
