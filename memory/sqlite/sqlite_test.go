package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	polaris "github.com/aelish/polaris"
)

func newTestManager(t *testing.T, owner string) *Manager {
	t.Helper()
	m := New(filepath.Join(t.TempDir(), "mem.db"), owner)
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWriteAndList(t *testing.T) {
	m := newTestManager(t, "agent:c1")
	ctx := context.Background()

	res, err := m.Write(ctx, "persona", "be kind", polaris.TierCore, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.Block == nil {
		t.Fatalf("write result = %+v", res)
	}
	if res.Block.Owner != "agent:c1" {
		t.Errorf("owner = %q", res.Block.Owner)
	}

	m.Write(ctx, "scratch", "todo list", polaris.TierWorking, "")

	core, err := m.CoreBlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(core) != 1 || core[0].Label != "persona" {
		t.Errorf("core = %+v", core)
	}
	all, _ := m.List(ctx, "")
	if len(all) != 2 {
		t.Errorf("all = %d", len(all))
	}
}

func TestWriteUpdatesExisting(t *testing.T) {
	m := newTestManager(t, "a")
	ctx := context.Background()

	m.Write(ctx, "note", "v1", polaris.TierWorking, "")
	res, err := m.Write(ctx, "note", "v2", polaris.TierWorking, "")
	if err != nil || !res.Applied {
		t.Fatalf("update failed: %v %+v", err, res)
	}
	blocks, _ := m.List(ctx, polaris.TierWorking)
	if len(blocks) != 1 || blocks[0].Content != "v2" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestWriteRespectsOwnership(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.db")
	a := New(path, "agent:a")
	if err := a.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b := New(path, "agent:b")
	defer b.Close()
	ctx := context.Background()

	a.Write(ctx, "theirs", "content", polaris.TierWorking, "")

	res, err := b.Write(ctx, "theirs", "overwrite", polaris.TierWorking, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || !strings.Contains(res.Error, "owned by") {
		t.Errorf("cross-owner write allowed: %+v", res)
	}

	blocks, _ := a.List(ctx, "")
	if err := b.DeleteBlock(ctx, blocks[0].ID); err == nil {
		t.Error("cross-owner delete allowed")
	}
}

func TestFamiliarBlockPendingMutation(t *testing.T) {
	m := newTestManager(t, "a")
	ctx := context.Background()

	m.Write(ctx, "shared", "original", polaris.TierCore, "")
	if _, err := m.db.ExecContext(ctx,
		`UPDATE memory_blocks SET permission = ? WHERE label = ?`,
		string(polaris.PermFamiliar), "shared"); err != nil {
		t.Fatal(err)
	}

	res, err := m.Write(ctx, "shared", "proposed", polaris.TierCore, "model suggestion")
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied {
		t.Fatal("familiar block written directly")
	}
	if res.Mutation == nil {
		t.Fatal("no pending mutation returned")
	}

	// Content unchanged until resolution.
	blocks, _ := m.List(ctx, polaris.TierCore)
	if blocks[0].Content != "original" {
		t.Errorf("content = %q", blocks[0].Content)
	}

	muts, err := m.PendingMutations(ctx)
	if err != nil || len(muts) != 1 {
		t.Fatalf("mutations = %v (%v)", muts, err)
	}

	if err := m.ResolveMutation(ctx, muts[0].ID, true); err != nil {
		t.Fatal(err)
	}
	blocks, _ = m.List(ctx, polaris.TierCore)
	if blocks[0].Content != "proposed" {
		t.Errorf("approved content = %q", blocks[0].Content)
	}
	muts, _ = m.PendingMutations(ctx)
	if len(muts) != 0 {
		t.Error("mutation not consumed")
	}
}

func TestReadOnlyBlockRejectsWrite(t *testing.T) {
	m := newTestManager(t, "a")
	ctx := context.Background()

	m.Write(ctx, "frozen", "content", polaris.TierCore, "")
	m.db.ExecContext(ctx, `UPDATE memory_blocks SET permission = 'readonly' WHERE label = 'frozen'`)

	res, _ := m.Write(ctx, "frozen", "nope", polaris.TierCore, "")
	if res.Applied || !strings.Contains(res.Error, "read-only") {
		t.Errorf("result = %+v", res)
	}
}

func TestPinnedBlockRefusesDelete(t *testing.T) {
	m := newTestManager(t, "a")
	ctx := context.Background()
	m.Write(ctx, "keep", "content", polaris.TierCore, "")
	m.db.ExecContext(ctx, `UPDATE memory_blocks SET pinned = 1 WHERE label = 'keep'`)

	blocks, _ := m.List(ctx, "")
	if err := m.DeleteBlock(ctx, blocks[0].ID); err == nil {
		t.Error("pinned block deleted")
	}
}

func TestReadSubstring(t *testing.T) {
	m := newTestManager(t, "a")
	ctx := context.Background()
	m.Write(ctx, "compaction-batch-c1-2026", "[depth:0|...]\nuser prefers dark mode", polaris.TierArchival, "")
	m.Write(ctx, "other", "nothing relevant", polaris.TierArchival, "")

	blocks, err := m.Read(ctx, "dark mode", 5, polaris.TierArchival)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Label != "compaction-batch-c1-2026" {
		t.Errorf("read = %+v", blocks)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	m := newTestManager(t, "a")
	ctx := context.Background()
	m.Write(ctx, "style", "answer briefly", polaris.TierCore, "")

	prompt, err := m.BuildSystemPrompt(ctx, "You are Polaris.")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(prompt, "You are Polaris.") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(prompt, "<style>") || !strings.Contains(prompt, "answer briefly") {
		t.Errorf("core block missing: %q", prompt)
	}
}

// fixedEmbedder maps known texts to fixed vectors.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (f *fixedEmbedder) Dimensions() int { return 3 }
func (f *fixedEmbedder) Name() string    { return "fixed" }

func TestReadSemantic(t *testing.T) {
	emb := &fixedEmbedder{vectors: map[string][]float32{
		"cats are great":  {1, 0, 0},
		"dogs are loud":   {0, 1, 0},
		"feline opinions": {0.9, 0.1, 0},
	}}
	dir := t.TempDir()
	m := New(filepath.Join(dir, "mem.db"), "a", WithEmbedding(emb))
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	ctx := context.Background()

	m.Write(ctx, "cats", "cats are great", polaris.TierWorking, "")
	m.Write(ctx, "dogs", "dogs are loud", polaris.TierWorking, "")

	blocks, err := m.Read(ctx, "feline opinions", 1, polaris.TierWorking)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Label != "cats" {
		t.Errorf("semantic read = %+v", blocks)
	}
}
