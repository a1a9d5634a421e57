package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *Store {
	s := NewStore()
	s.Append(RoleSystem, "rules", nil)
	s.Append(RoleUser, "open settings", nil)
	s.Append(RoleAssistant, "Action: iphone_home()", nil)
	s.Append(RoleUser, "screen changed", nil)
	s.Append(RoleAssistant, "Action: click(start_box='(1,1)')", nil)
	s.Append(RoleUser, "screen changed again", nil)
	s.Append(RoleAssistant, "Action: finished()", nil)
	return s
}

func TestAppendAndSnapshot(t *testing.T) {
	s := NewStore()
	s.Append(RoleUser, "hi", map[string]any{"k": "v"})
	require.Equal(t, 1, s.Len())

	items := s.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, RoleUser, items[0].Role)
	assert.Equal(t, "hi", items[0].Text)
	assert.Equal(t, "v", items[0].Meta["k"])
	assert.False(t, items[0].TS.IsZero())
	assert.NotEmpty(t, items[0].ID)

	s.Append(RoleAssistant, "hey", nil)
	assert.NotEqual(t, items[0].ID, s.Snapshot()[1].ID)

	// Snapshot is a copy; mutating it must not affect the store.
	items[0].Text = "changed"
	assert.Equal(t, "hi", s.Snapshot()[0].Text)
}

func TestWindowByRounds(t *testing.T) {
	s := seeded()

	win := s.WindowByRounds(2)
	require.Len(t, win, 4)
	assert.Equal(t, "screen changed", win[0].Text)
	assert.Equal(t, "Action: finished()", win[3].Text)

	// More rounds than exist returns everything.
	assert.Len(t, s.WindowByRounds(100), 7)

	// Non-positive round counts select nothing.
	assert.Empty(t, s.WindowByRounds(0))
	assert.Empty(t, s.WindowByRounds(-1))
}

func TestMessagesPinsSystemPromptAfterWindowRolls(t *testing.T) {
	s := NewStore()
	s.Append(RoleSystem, "rules", nil)
	for i := 0; i < 6; i++ {
		s.Append(RoleUser, "screen changed", nil)
		s.Append(RoleAssistant, "Action: wait()", nil)
	}

	// Six rounds exist; a five-round window no longer reaches the system
	// item, but it must stay in the model context.
	msgs := s.Messages(true, 5)
	require.NotEmpty(t, msgs)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "rules", msgs[0].Content)
	for _, m := range msgs[1:] {
		assert.NotEqual(t, RoleSystem, m.Role)
	}

	// Without includeSystem the pin does not apply.
	for _, m := range s.Messages(false, 5) {
		assert.NotEqual(t, RoleSystem, m.Role)
	}
}

func TestMessagesSkipsSystemWhenAsked(t *testing.T) {
	s := seeded()

	msgs := s.Messages(true, 100)
	require.Len(t, msgs, 7)
	assert.Equal(t, RoleSystem, msgs[0].Role)

	msgs = s.Messages(false, 100)
	require.Len(t, msgs, 6)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestClear(t *testing.T) {
	s := seeded()
	removed := s.Clear(true)
	assert.Equal(t, 6, removed)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, RoleSystem, s.Snapshot()[0].Role)

	s2 := seeded()
	removed = s2.Clear(false)
	assert.Equal(t, 7, removed)
	assert.Equal(t, 0, s2.Len())
}

func TestTrimTailRounds(t *testing.T) {
	s := seeded()

	// Dropping one round removes the last assistant turn and its preceding
	// user turn.
	removed := s.TrimTailRounds(1)
	assert.Equal(t, 2, removed)
	items := s.Snapshot()
	require.Len(t, items, 5)
	assert.Equal(t, "Action: click(start_box='(1,1)')", items[4].Text)

	// Trimming everything leaves only the system prompt.
	removed = s.TrimTailRounds(10)
	assert.Equal(t, 4, removed)
	items = s.Snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, RoleSystem, items[0].Role)
}
