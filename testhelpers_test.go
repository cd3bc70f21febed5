package polaris

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// --- mock provider ---

// mockProvider returns scripted responses in order and records every
// request it receives.
type mockProvider struct {
	mu        sync.Mutex
	responses []CompletionResponse
	err       error
	requests  []CompletionRequest
}

func textResponse(text string) CompletionResponse {
	return CompletionResponse{
		Content:    []ContentBlock{TextBlock(text)},
		StopReason: StopEndTurn,
	}
}

func (m *mockProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return CompletionResponse{}, m.err
	}
	if len(m.responses) == 0 {
		return textResponse("done"), nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *mockProvider) Stream(ctx context.Context, req CompletionRequest, ch chan<- StreamEvent) (CompletionResponse, error) {
	defer close(ch)
	return m.Complete(ctx, req)
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// --- mock store ---

// mockStore is an in-memory MessageStore that records deletions.
type mockStore struct {
	mu        sync.Mutex
	messages  []ConversationMessage
	deleted   [][]string
	insertErr error
	deleteErr error
}

func (s *mockStore) InsertMessage(_ context.Context, msg ConversationMessage) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *mockStore) GetMessages(_ context.Context, conversationID string) ([]ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ConversationMessage
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *mockStore) DeleteMessages(_ context.Context, ids []string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids)
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []ConversationMessage
	for _, m := range s.messages {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *mockStore) Init(context.Context) error { return nil }
func (s *mockStore) Close() error               { return nil }

// --- mock memory ---

// mockMemory is an in-memory MemoryManager.
type mockMemory struct {
	mu       sync.Mutex
	blocks   map[string]MemoryBlock // by label
	writeErr error
	listErr  error
}

func newMockMemory() *mockMemory {
	return &mockMemory{blocks: make(map[string]MemoryBlock)}
}

func (m *mockMemory) CoreBlocks(ctx context.Context) ([]MemoryBlock, error) {
	return m.List(ctx, TierCore)
}

func (m *mockMemory) WorkingBlocks(ctx context.Context) ([]MemoryBlock, error) {
	return m.List(ctx, TierWorking)
}

func (m *mockMemory) BuildSystemPrompt(ctx context.Context, persona string) (string, error) {
	blocks, err := m.CoreBlocks(ctx)
	if err != nil {
		return "", err
	}
	parts := []string{persona}
	for _, blk := range blocks {
		parts = append(parts, blk.Content)
	}
	return strings.Join(parts, "\n"), nil
}

func (m *mockMemory) Read(_ context.Context, query string, limit int, tier MemoryTier) ([]MemoryBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemoryBlock
	for _, blk := range m.blocks {
		if tier != "" && blk.Tier != tier {
			continue
		}
		if strings.Contains(blk.Content, query) || strings.Contains(blk.Label, query) {
			out = append(out, blk)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockMemory) Write(_ context.Context, label, content string, tier MemoryTier, _ string) (WriteResult, error) {
	if m.writeErr != nil {
		return WriteResult{}, m.writeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blk, ok := m.blocks[label]
	if !ok {
		blk = MemoryBlock{ID: NewID(), Label: label, Tier: tier, CreatedAt: NowUnixMilli()}
	}
	blk.Content = content
	blk.Tier = tier
	blk.UpdatedAt = NowUnixMilli()
	m.blocks[label] = blk
	return WriteResult{Applied: true, Block: &blk}, nil
}

func (m *mockMemory) List(_ context.Context, tier MemoryTier) ([]MemoryBlock, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemoryBlock
	for _, blk := range m.blocks {
		if tier == "" || blk.Tier == tier {
			out = append(out, blk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *mockMemory) DeleteBlock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for label, blk := range m.blocks {
		if blk.ID == id {
			delete(m.blocks, label)
			return nil
		}
	}
	return fmt.Errorf("no such block: %s", id)
}

func (m *mockMemory) PendingMutations(context.Context) ([]PendingMutation, error) { return nil, nil }
func (m *mockMemory) ResolveMutation(context.Context, string, bool) error         { return nil }

func (m *mockMemory) archivalLabels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var labels []string
	for label, blk := range m.blocks {
		if blk.Tier == TierArchival {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels
}

// --- history fixtures ---

// fixtureHistory creates n user/assistant messages with ascending
// timestamps and the given content.
func fixtureHistory(conversationID, content string, n int) []ConversationMessage {
	msgs := make([]ConversationMessage, n)
	base := NowUnixMilli() - int64(n)*1000
	for i := range msgs {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msgs[i] = ConversationMessage{
			ID:             NewID(),
			ConversationID: conversationID,
			Role:           role,
			Content:        []ContentBlock{TextBlock(content)},
			CreatedAt:      base + int64(i)*1000,
		}
	}
	return msgs
}
