// Package sqlite implements polaris.MemoryManager using pure-Go SQLite
// with brute-force cosine similarity when an embedding provider is
// configured, and substring matching otherwise.
//
// Swap in a different backend (e.g. pgvector) by implementing
// polaris.MemoryManager with your own package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	polaris "github.com/aelish/polaris"
	_ "modernc.org/sqlite"
)

// Manager implements polaris.MemoryManager backed by a local SQLite file.
// Every Manager acts on behalf of one owner: it only mutates blocks that
// owner created.
type Manager struct {
	db       *sql.DB
	owner    string
	embedder polaris.EmbeddingProvider
}

var _ polaris.MemoryManager = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithEmbedding enables semantic Read over blocks with embeddings.
func WithEmbedding(e polaris.EmbeddingProvider) Option {
	return func(m *Manager) { m.embedder = e }
}

// New creates a memory manager acting as owner, using a local SQLite file.
func New(dbPath, owner string, opts ...Option) *Manager {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	m := &Manager{db: db, owner: owner}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init creates the memory tables.
func (m *Manager) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_blocks (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			tier TEXT NOT NULL,
			label TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			embedding TEXT,
			permission TEXT NOT NULL DEFAULT 'readwrite',
			pinned INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_blocks_tier ON memory_blocks(tier)`,
		`CREATE TABLE IF NOT EXISTS pending_mutations (
			id TEXT PRIMARY KEY,
			block_id TEXT NOT NULL,
			label TEXT NOT NULL,
			content TEXT NOT NULL,
			reason TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range stmts {
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (m *Manager) Close() error { return m.db.Close() }

// CoreBlocks returns the core-tier blocks.
func (m *Manager) CoreBlocks(ctx context.Context) ([]polaris.MemoryBlock, error) {
	return m.List(ctx, polaris.TierCore)
}

// WorkingBlocks returns the working-tier blocks.
func (m *Manager) WorkingBlocks(ctx context.Context) ([]polaris.MemoryBlock, error) {
	return m.List(ctx, polaris.TierWorking)
}

// BuildSystemPrompt renders the persona followed by every core block.
func (m *Manager) BuildSystemPrompt(ctx context.Context, persona string) (string, error) {
	blocks, err := m.CoreBlocks(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(persona)
	for _, blk := range blocks {
		b.WriteString("\n\n<")
		b.WriteString(blk.Label)
		b.WriteString(">\n")
		b.WriteString(blk.Content)
		b.WriteString("\n</")
		b.WriteString(blk.Label)
		b.WriteString(">")
	}
	return b.String(), nil
}

// List returns blocks by tier, ordered by creation. A zero tier lists
// every tier.
func (m *Manager) List(ctx context.Context, tier polaris.MemoryTier) ([]polaris.MemoryBlock, error) {
	query := `SELECT id, owner, tier, label, content, embedding, permission, pinned, created_at, updated_at
		FROM memory_blocks`
	var args []any
	if tier != "" {
		query += ` WHERE tier = ?`
		args = append(args, string(tier))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()
	return scanBlocks(rows)
}

// Read searches blocks by query: cosine similarity over embeddings when a
// provider is configured, case-insensitive substring match otherwise.
func (m *Manager) Read(ctx context.Context, query string, limit int, tier polaris.MemoryTier) ([]polaris.MemoryBlock, error) {
	if limit <= 0 {
		limit = 5
	}
	blocks, err := m.List(ctx, tier)
	if err != nil {
		return nil, err
	}

	if m.embedder != nil {
		vecs, err := m.embedder.Embed(ctx, []string{query})
		if err == nil && len(vecs) == 1 {
			return rankByCosine(blocks, vecs[0], limit), nil
		}
		// Degrade to substring matching when embedding fails.
	}

	needle := strings.ToLower(query)
	var matched []polaris.MemoryBlock
	for _, blk := range blocks {
		if strings.Contains(strings.ToLower(blk.Content), needle) ||
			strings.Contains(strings.ToLower(blk.Label), needle) {
			matched = append(matched, blk)
			if len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

// Write creates or updates the block with the given label. Writes to
// familiar blocks return a pending mutation instead of applying; writes
// to read-only blocks and to blocks of other owners are rejected.
func (m *Manager) Write(ctx context.Context, label, content string, tier polaris.MemoryTier, reason string) (polaris.WriteResult, error) {
	if tier == "" {
		tier = polaris.TierWorking
	}
	existing, err := m.getByLabel(ctx, label)
	if err != nil && err != sql.ErrNoRows {
		return polaris.WriteResult{}, err
	}
	now := polaris.NowUnixMilli()

	if err == nil {
		switch {
		case existing.Permission == polaris.PermReadOnly:
			return polaris.WriteResult{Error: "block is read-only: " + label}, nil
		case existing.Permission == polaris.PermFamiliar:
			mut := polaris.PendingMutation{
				ID:        polaris.NewID(),
				BlockID:   existing.ID,
				Label:     label,
				Content:   content,
				Reason:    reason,
				CreatedAt: now,
			}
			_, err := m.db.ExecContext(ctx,
				`INSERT INTO pending_mutations (id, block_id, label, content, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				mut.ID, mut.BlockID, mut.Label, mut.Content, mut.Reason, mut.CreatedAt)
			if err != nil {
				return polaris.WriteResult{}, fmt.Errorf("insert mutation: %w", err)
			}
			return polaris.WriteResult{Mutation: &mut}, nil
		case existing.Owner != m.owner:
			return polaris.WriteResult{Error: "block owned by " + existing.Owner}, nil
		}

		emb := m.embed(ctx, content)
		_, err := m.db.ExecContext(ctx,
			`UPDATE memory_blocks SET content = ?, embedding = ?, tier = ?, updated_at = ? WHERE id = ?`,
			content, serializeEmbedding(emb), string(tier), now, existing.ID)
		if err != nil {
			return polaris.WriteResult{}, fmt.Errorf("update block: %w", err)
		}
		existing.Content = content
		existing.Tier = tier
		existing.UpdatedAt = now
		return polaris.WriteResult{Applied: true, Block: &existing}, nil
	}

	blk := polaris.MemoryBlock{
		ID:         polaris.NewID(),
		Owner:      m.owner,
		Tier:       tier,
		Label:      label,
		Content:    content,
		Permission: polaris.PermReadWrite,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	emb := m.embed(ctx, content)
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO memory_blocks (id, owner, tier, label, content, embedding, permission, pinned, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		blk.ID, blk.Owner, string(blk.Tier), blk.Label, blk.Content, serializeEmbedding(emb), string(blk.Permission), blk.CreatedAt, blk.UpdatedAt)
	if err != nil {
		return polaris.WriteResult{}, fmt.Errorf("insert block: %w", err)
	}
	return polaris.WriteResult{Applied: true, Block: &blk}, nil
}

// DeleteBlock removes a block the manager's owner created. Pinned blocks
// and blocks of other owners are refused.
func (m *Manager) DeleteBlock(ctx context.Context, id string) error {
	var owner string
	var pinned int
	err := m.db.QueryRowContext(ctx, `SELECT owner, pinned FROM memory_blocks WHERE id = ?`, id).Scan(&owner, &pinned)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no such block: %s", id)
	}
	if err != nil {
		return err
	}
	if owner != m.owner {
		return fmt.Errorf("block %s owned by %s", id, owner)
	}
	if pinned != 0 {
		return fmt.Errorf("block %s is pinned", id)
	}
	_, err = m.db.ExecContext(ctx, `DELETE FROM memory_blocks WHERE id = ?`, id)
	return err
}

// PendingMutations lists unresolved familiar-block write tickets.
func (m *Manager) PendingMutations(ctx context.Context) ([]polaris.PendingMutation, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, block_id, label, content, reason, created_at FROM pending_mutations ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var muts []polaris.PendingMutation
	for rows.Next() {
		var mut polaris.PendingMutation
		var reason sql.NullString
		if err := rows.Scan(&mut.ID, &mut.BlockID, &mut.Label, &mut.Content, &reason, &mut.CreatedAt); err != nil {
			return nil, err
		}
		mut.Reason = reason.String
		muts = append(muts, mut)
	}
	return muts, rows.Err()
}

// ResolveMutation applies or discards a pending mutation. Approval writes
// the ticket's content to the target block regardless of its familiar
// permission; that is the owner's override path.
func (m *Manager) ResolveMutation(ctx context.Context, id string, approve bool) error {
	var mut polaris.PendingMutation
	var reason sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT id, block_id, label, content, reason, created_at FROM pending_mutations WHERE id = ?`, id).
		Scan(&mut.ID, &mut.BlockID, &mut.Label, &mut.Content, &reason, &mut.CreatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no such mutation: %s", id)
	}
	if err != nil {
		return err
	}

	if approve {
		emb := m.embed(ctx, mut.Content)
		_, err = m.db.ExecContext(ctx,
			`UPDATE memory_blocks SET content = ?, embedding = ?, updated_at = ? WHERE id = ?`,
			mut.Content, serializeEmbedding(emb), polaris.NowUnixMilli(), mut.BlockID)
		if err != nil {
			return fmt.Errorf("apply mutation: %w", err)
		}
	}
	_, err = m.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id)
	return err
}

// --- helpers ---

func (m *Manager) getByLabel(ctx context.Context, label string) (polaris.MemoryBlock, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, owner, tier, label, content, embedding, permission, pinned, created_at, updated_at
		 FROM memory_blocks WHERE label = ?`, label)
	return scanBlock(row.Scan)
}

func (m *Manager) embed(ctx context.Context, content string) []float32 {
	if m.embedder == nil {
		return nil
	}
	vecs, err := m.embedder.Embed(ctx, []string{content})
	if err != nil || len(vecs) != 1 {
		return nil
	}
	return vecs[0]
}

func scanBlock(scan func(dest ...any) error) (polaris.MemoryBlock, error) {
	var blk polaris.MemoryBlock
	var tier, permission, embText string
	var pinned int
	err := scan(&blk.ID, &blk.Owner, &tier, &blk.Label, &blk.Content, &embText, &permission, &pinned, &blk.CreatedAt, &blk.UpdatedAt)
	if err != nil {
		return blk, err
	}
	blk.Tier = polaris.MemoryTier(tier)
	blk.Permission = polaris.MemoryPermission(permission)
	blk.Pinned = pinned != 0
	blk.Embedding = deserializeEmbedding(embText)
	return blk, nil
}

func scanBlocks(rows *sql.Rows) ([]polaris.MemoryBlock, error) {
	var blocks []polaris.MemoryBlock
	for rows.Next() {
		blk, err := scanBlock(rows.Scan)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, blk)
	}
	return blocks, rows.Err()
}

func rankByCosine(blocks []polaris.MemoryBlock, query []float32, limit int) []polaris.MemoryBlock {
	type scored struct {
		block polaris.MemoryBlock
		score float32
	}
	var all []scored
	for _, blk := range blocks {
		if len(blk.Embedding) == 0 {
			continue
		}
		all = append(all, scored{blk, cosineSimilarity(query, blk.Embedding)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]polaris.MemoryBlock, len(all))
	for i, s := range all {
		out[i] = s.block
	}
	return out
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func serializeEmbedding(emb []float32) string {
	if len(emb) == 0 {
		return ""
	}
	data, _ := json.Marshal(emb)
	return string(data)
}

func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	var emb []float32
	if err := json.Unmarshal([]byte(s), &emb); err != nil {
		return nil
	}
	return emb
}
