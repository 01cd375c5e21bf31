package turn

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Message is a single entry in the conversation history threaded through a turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context bundles everything one agent turn needs: who is running, which
// session and model, the conversation so far, and the per-turn scratch state
// tool executors share. One Context instance lives for exactly one turn.
type Context struct {
	OrganizationID string
	SessionID      string
	Model          string
	History        []Message
	Prompts        *PromptSet
	Notes          *NoteStore
}

// New returns a turn context with initialized prompt and note state.
func New(organizationID, sessionID, model string) *Context {
	return &Context{
		OrganizationID: organizationID,
		SessionID:      sessionID,
		Model:          model,
		Prompts:        NewPromptSet(""),
		Notes:          NewNoteStore(),
	}
}

// AppendHistory records a message on the turn's conversation history.
func (c *Context) AppendHistory(role, content string) {
	c.History = append(c.History, Message{Role: role, Content: content})
}

// PromptSet holds the base system prompt plus dynamic sections tools and the
// loop may contribute during a turn.
type PromptSet struct {
	mu       sync.RWMutex
	base     string
	sections map[string]string
}

func NewPromptSet(base string) *PromptSet {
	return &PromptSet{base: base, sections: make(map[string]string)}
}

// SetSection adds or replaces a named dynamic section.
func (p *PromptSet) SetSection(name, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sections[name] = content
}

// Render produces the full prompt: base first, then sections in name order.
func (p *PromptSet) Render() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.sections) == 0 {
		return p.base
	}
	names := make([]string, 0, len(p.sections))
	for name := range p.sections {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(p.base)
	for _, name := range names {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", name, p.sections[name])
	}
	return b.String()
}

// NoteStore is the per-turn scratchpad behind the note tools. Notes written
// by one tool call are visible to later calls in the same turn.
type NoteStore struct {
	mu    sync.RWMutex
	notes map[string]string
	read  map[string]bool
}

func NewNoteStore() *NoteStore {
	return &NoteStore{
		notes: make(map[string]string),
		read:  make(map[string]bool),
	}
}

// Get returns a note and records that this turn has read it.
func (s *NoteStore) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.notes[name]
	if ok {
		s.read[name] = true
	}
	return content, ok
}

// Has reports whether a note exists without marking it read.
func (s *NoteStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.notes[name]
	return ok
}

// WasRead reports whether this turn has read the note. Update flows check
// it so edits always follow a fetch.
func (s *NoteStore) WasRead(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read[name]
}

func (s *NoteStore) Set(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[name] = content
}

func (s *NoteStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.notes))
	for name := range s.notes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
