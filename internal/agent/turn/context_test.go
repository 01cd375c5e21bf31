package turn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendHistory(t *testing.T) {
	tc := New("org-1", "sess-1", "chat-model")
	tc.AppendHistory("user", "make me a sunset image")
	tc.AppendHistory("assistant", "working on it")

	require.Len(t, tc.History, 2)
	assert.Equal(t, "user", tc.History[0].Role)
	assert.Equal(t, "working on it", tc.History[1].Content)
}

func TestPromptSetRendersSectionsInOrder(t *testing.T) {
	prompts := NewPromptSet("base prompt")
	prompts.SetSection("z-style", "use warm colors")
	prompts.SetSection("a-context", "the user is editing scene 3")

	rendered := prompts.Render()
	assert.Contains(t, rendered, "base prompt")
	assert.Less(t,
		strings.Index(rendered, "the user is editing scene 3"),
		strings.Index(rendered, "use warm colors"),
		"sections should render in name order")
}

func TestPromptSetSectionReplaces(t *testing.T) {
	prompts := NewPromptSet("")
	prompts.SetSection("notes", "v1")
	prompts.SetSection("notes", "v2")

	rendered := prompts.Render()
	assert.Contains(t, rendered, "v2")
	assert.NotContains(t, rendered, "v1")
}

func TestNoteStoreTracksReads(t *testing.T) {
	notes := NewNoteStore()
	notes.Set("plan", "draft")

	assert.True(t, notes.Has("plan"))
	assert.False(t, notes.WasRead("plan"), "Has must not count as a read")

	content, ok := notes.Get("plan")
	require.True(t, ok)
	assert.Equal(t, "draft", content)
	assert.True(t, notes.WasRead("plan"))
}

func TestNoteStoreNamesSorted(t *testing.T) {
	notes := NewNoteStore()
	notes.Set("zeta", "z")
	notes.Set("alpha", "a")

	assert.Equal(t, []string{"alpha", "zeta"}, notes.Names())
}
