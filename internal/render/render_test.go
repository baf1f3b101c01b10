package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesContext(t *testing.T) {
	e := NewEngine()
	ctx := CampaignContext("John", "abc-123", "https://x/s", "https://x/u", "x.test")

	out, err := e.Render("", `Hi {{name}}, visit {{unsub}} from {{domain}}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hi John, visit https://x/u from x.test", out)
}

func TestRenderResolvesUUIDPlaceholder(t *testing.T) {
	e := NewEngine()
	ctx := CampaignContext("", "deadbeef", "#", "#", "x.test")

	out, err := e.Render("", `http://x.test/track/click/L1/{{uuid}}/`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://x.test/track/click/L1/deadbeef/", out)
}

func TestRenderCacheReuse(t *testing.T) {
	e := NewEngine()
	ctx := Context{"name": "A"}

	out, err := e.Render("k1", `Hello {{name}}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello A", out)

	// Same key, different source: the cached parse wins until invalidated.
	out, err = e.Render("k1", `Changed {{name}}`, Context{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, "Hello B", out)

	e.Invalidate("k1")
	out, err = e.Render("k1", `Changed {{name}}`, Context{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, "Changed B", out)
}

func TestTestContextStandIns(t *testing.T) {
	e := NewEngine()
	out, err := e.Render("", `{{name}}|{{uuid}}|{{unsub}}`, TestContext())
	require.NoError(t, err)
	assert.Equal(t, "<< Test Name >>|[SUBSCRIBER_UUID]|#", out)
}

func TestRenderTextStripsOpenMarker(t *testing.T) {
	e := NewEngine()
	src := "Hello {{name}}\n![](http://x.test/track/open/E1/{{uuid}}/)\nBye"

	out, err := e.RenderText("", src, Context{"name": "John", "uuid": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Hello John\nBye", out)
	assert.NotContains(t, out, "/track/open/")
}

func TestRenderParseError(t *testing.T) {
	e := NewEngine()
	_, err := e.Render("", `{% if %}`, Context{})
	assert.Error(t, err)
}
