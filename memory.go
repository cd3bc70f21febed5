package polaris

import "context"

// WriteResult is the outcome of MemoryManager.Write. Applied is false when
// the target block is familiar (Mutation carries the pending ticket) or the
// write was rejected (Error says why).
type WriteResult struct {
	Applied  bool             `json:"applied"`
	Block    *MemoryBlock     `json:"block,omitempty"`
	Mutation *PendingMutation `json:"mutation,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// PendingMutation is a write ticket against a familiar block, held until
// resolved by its owner.
type PendingMutation struct {
	ID        string `json:"id"`
	BlockID   string `json:"block_id"`
	Label     string `json:"label"`
	Content   string `json:"content"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// MemoryManager provides tiered agent memory. The agent loop and compactor
// only mutate blocks they created; implementations enforce ownership.
type MemoryManager interface {
	// CoreBlocks returns the core-tier blocks composed into the system prompt.
	CoreBlocks(ctx context.Context) ([]MemoryBlock, error)
	// WorkingBlocks returns the working-tier blocks prepended to the
	// conversation context.
	WorkingBlocks(ctx context.Context) ([]MemoryBlock, error)
	// BuildSystemPrompt renders the persona plus core blocks into the system
	// prompt text.
	BuildSystemPrompt(ctx context.Context, persona string) (string, error)
	// Read searches blocks by query. A zero tier searches every tier.
	Read(ctx context.Context, query string, limit int, tier MemoryTier) ([]MemoryBlock, error)
	// Write creates or updates the block with the given label. Writes to
	// familiar blocks return a pending mutation instead of applying.
	Write(ctx context.Context, label, content string, tier MemoryTier, reason string) (WriteResult, error)
	// List returns blocks by tier. A zero tier lists every tier.
	List(ctx context.Context, tier MemoryTier) ([]MemoryBlock, error)
	// DeleteBlock removes a block the caller owns.
	DeleteBlock(ctx context.Context, id string) error

	PendingMutations(ctx context.Context) ([]PendingMutation, error)
	// ResolveMutation applies or discards a pending mutation.
	ResolveMutation(ctx context.Context, id string, approve bool) error
}
