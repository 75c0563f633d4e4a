// Package session is the context manager: it owns the bounded, ordered view
// of a conversation's history and the assembly of retrieved chunks, history
// and question into the generation prompt.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docqa/backend/internal/vector"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// TurnStore persists session turns in append order. ListTurns returns the
// full chronological history; trimming for prompts is a read-time concern
// owned by Manager, not the store.
type TurnStore interface {
	AppendTurns(ctx context.Context, tenantID, userID, sessionID string, turns []Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	TrimSession(ctx context.Context, sessionID string, keepLast int) error
}

// Manager serializes turn appends per session id so concurrent questions on
// one session cannot interleave half-written exchanges, and provides the
// windowed read-time view of history.
type Manager struct {
	store TurnStore

	// storageCap bounds stored turns per session when positive. Zero keeps
	// the full history; the prompt window is trimmed at read time either way.
	storageCap int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store TurnStore, storageCap int) *Manager {
	return &Manager{
		store:      store,
		storageCap: storageCap,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// AppendExchange appends one user turn and one assistant turn as a unit,
// in the order exchanges complete generation. Nothing is appended if the
// request was cancelled before this point.
func (m *Manager) AppendExchange(ctx context.Context, tenantID, userID, sessionID, question, answer string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	turns := []Turn{
		{Role: RoleUser, Content: question, Timestamp: now},
		{Role: RoleAssistant, Content: answer, Timestamp: now},
	}
	if err := m.store.AppendTurns(ctx, tenantID, userID, sessionID, turns); err != nil {
		return fmt.Errorf("failed to append turns: %w", err)
	}

	if m.storageCap > 0 {
		if err := m.store.TrimSession(ctx, sessionID, m.storageCap); err != nil {
			return fmt.Errorf("failed to trim session: %w", err)
		}
	}
	return nil
}

// WindowedHistory returns the most recent maxTurns turns in original
// chronological order, or the whole history when it is shorter.
func (m *Manager) WindowedHistory(ctx context.Context, sessionID string, maxTurns int) ([]Turn, error) {
	turns, err := m.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

// ComposePrompt concatenates the prompt in the fixed order the generation
// backend expects: system prompt, retrieved document context labeled with
// source files, prior conversation, current question. Document grounding
// precedes conversational framing so citations stay traceable.
func ComposePrompt(systemPrompt string, chunks []vector.ScoredChunk, history []Turn, question string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	b.WriteString(ComposeUserContent(chunks, history, question))
	return b.String()
}

// ComposeUserContent builds everything after the system prompt; callers
// using a chat API send it as the user message.
func ComposeUserContent(chunks []vector.ScoredChunk, history []Turn, question string) string {
	var b strings.Builder

	b.WriteString("Document context:\n")
	if len(chunks) == 0 {
		b.WriteString("(no documents retrieved)\n")
	}
	for _, sc := range chunks {
		fmt.Fprintf(&b, "[Source: %s]\n%s\n\n", sc.Chunk.FileName, sc.Chunk.Text)
	}

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", roleLabel(turn.Role), turn.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s", question)
	return b.String()
}

func roleLabel(r Role) string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "User"
}
