package polaris

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// CompactorConfig tunes the compaction pipeline. Zero values fall back to
// the defaults from the configuration surface, except KeepRecent, where
// zero is meaningful (compress everything) and only negative values take
// the default.
type CompactorConfig struct {
	// Model is the model id used for summarization calls.
	Model string
	// ChunkSize is the number of messages summarized per batch.
	ChunkSize int
	// KeepRecent is the number of most recent messages never compressed.
	KeepRecent int
	// MaxSummaryTokens caps each summarization response.
	MaxSummaryTokens int
	// ClipFirst and ClipLast bound the clip window: how many of the
	// earliest and most recent batches the clip-archive displays.
	ClipFirst int
	ClipLast  int
	// Prompt overrides the default summarization system prompt.
	Prompt string
}

func (c CompactorConfig) withDefaults() CompactorConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 20
	}
	if c.KeepRecent < 0 {
		c.KeepRecent = 5
	}
	if c.MaxSummaryTokens <= 0 {
		c.MaxSummaryTokens = 1024
	}
	if c.ClipFirst <= 0 {
		c.ClipFirst = 2
	}
	if c.ClipLast <= 0 {
		c.ClipLast = 2
	}
	return c
}

// CompactionResult reports one Compress call. History is the compressed
// history, or the input unchanged when nothing was compressed.
type CompactionResult struct {
	History              []ConversationMessage `json:"-"`
	BatchesCreated       int                   `json:"batches_created"`
	MessagesCompressed   int                   `json:"messages_compressed"`
	TokensEstimateBefore int                   `json:"tokens_estimate_before"`
	TokensEstimateAfter  int                   `json:"tokens_estimate_after"`
}

const (
	clipArchivePrefix = "[Context Summary —"
	batchLabelPrefix  = "compaction-batch-"

	earliestSection = "## Earliest context"
	recentSection   = "## Recent context"

	// resummarizeBuffer is the slack above the clip window before the
	// middle band is folded into a higher-depth batch. Small and positive;
	// 2 keeps one compaction cycle from immediately triggering a second fold.
	resummarizeBuffer = 2
)

const defaultSummaryPrompt = `You summarize conversation history for an AI agent. Produce a dense, factual summary that preserves decisions, facts, names, numbers, open tasks, and tool outcomes. Omit pleasantries and repetition.`

const summaryDirective = `Update the summary to cover the conversation above. Carry forward everything still relevant from the previous summary, fold in the new messages, and respond with the summary text only.`

const resummarizeDirective = `The messages above are summaries of earlier conversation spans, oldest first. Merge them into one summary that preserves every fact, decision, and open task still relevant. Respond with the summary text only.`

// Compactor compresses conversation history: it fold-summarizes old
// messages into archival batches, deletes the sources, and maintains a
// clip-archive system message at the head of the conversation.
type Compactor struct {
	provider ModelProvider
	memory   MemoryManager
	store    MessageStore
	cfg      CompactorConfig
	logger   *slog.Logger
	tracer   Tracer
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// WithCompactorLogger sets a structured logger.
func WithCompactorLogger(l *slog.Logger) CompactorOption {
	return func(c *Compactor) { c.logger = l }
}

// WithCompactorTracer enables span emission.
func WithCompactorTracer(t Tracer) CompactorOption {
	return func(c *Compactor) { c.tracer = t }
}

// NewCompactor creates a Compactor. provider, memory, and store are all
// required; cfg zero values take the documented defaults.
func NewCompactor(provider ModelProvider, memory MemoryManager, store MessageStore, cfg CompactorConfig, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		provider: provider,
		memory:   memory,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compress runs the compaction pipeline over history. It never returns an
// error: any internal failure is logged and the input history comes back
// unchanged with zero stats. Deletion of source messages is the last
// irreversible step; archival writes that precede a failed call are
// harmless duplicates re-parsed on the next cycle.
func (c *Compactor) Compress(ctx context.Context, history []ConversationMessage, conversationID string) (result CompactionResult) {
	estBefore := EstimateHistoryTokens(history)
	noop := CompactionResult{History: history, TokensEstimateBefore: estBefore, TokensEstimateAfter: estBefore}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("compaction panic, history unchanged", "conversation", conversationID, "panic", p)
			result = noop
		}
	}()

	if c.tracer != nil {
		var span Span
		ctx, span = c.tracer.Start(ctx, "compactor.compress",
			StringAttr("conversation", conversationID),
			IntAttr("history_len", len(history)))
		defer span.End()
	}

	prior, toCompress, toKeep := splitHistory(history, c.cfg.KeepRecent)
	if len(toCompress) == 0 {
		return noop
	}

	// Fold-in summarization: one batch per chunk, the accumulator seeded
	// from the prior clip-archive so context carries across cycles.
	chunks := chunkMessages(toCompress, c.cfg.ChunkSize)
	acc := ""
	if prior != nil {
		acc = prior.Text()
	}
	batches := make([]SummaryBatch, 0, len(chunks))
	for _, chunk := range chunks {
		summary, err := c.summarizeChunk(ctx, acc, chunk)
		if err != nil {
			c.logger.Error("compaction summarize failed, history unchanged", "conversation", conversationID, "error", err)
			return noop
		}
		acc = summary
		batches = append(batches, SummaryBatch{
			Content:      summary,
			Depth:        0,
			StartTime:    time.UnixMilli(chunk[0].CreatedAt).UTC(),
			EndTime:      time.UnixMilli(chunk[len(chunk)-1].CreatedAt).UTC(),
			MessageCount: len(chunk),
		})
	}

	for _, b := range batches {
		if _, err := c.archiveBatch(ctx, conversationID, b); err != nil {
			c.logger.Error("compaction archive failed, history unchanged", "conversation", conversationID, "error", err)
			return noop
		}
	}

	ids := make([]string, len(toCompress))
	for i, m := range toCompress {
		ids[i] = m.ID
	}
	if prior != nil {
		// The prior clip-archive is consumed into the accumulator; its
		// replacement is inserted below.
		ids = append(ids, prior.ID)
	}
	if err := c.store.DeleteMessages(ctx, ids); err != nil {
		c.logger.Error("compaction delete failed, history unchanged", "conversation", conversationID, "error", err)
		return noop
	}

	messagesCompressed := len(toCompress)
	batchesCreated := len(batches)

	all := c.loadBatches(ctx, conversationID, batches)
	clip := c.buildClipArchive(conversationID, batchSlice(all), messagesCompressed)
	if err := c.store.InsertMessage(ctx, clip); err != nil {
		// Sources are already gone; the in-memory clip still carries the
		// summary for this turn and the archival blocks survive for the next.
		c.logger.Error("clip-archive insert failed", "conversation", conversationID, "error", err)
	}

	if len(all) > c.cfg.ClipFirst+c.cfg.ClipLast+resummarizeBuffer {
		folded, ok := c.resummarizeBatches(ctx, conversationID, all)
		if ok {
			batchesCreated++
			replacement := c.buildClipArchive(conversationID, batchSlice(folded), messagesCompressed)
			if err := c.store.DeleteMessages(ctx, []string{clip.ID}); err != nil {
				c.logger.Warn("clip-archive replace delete failed", "conversation", conversationID, "error", err)
			} else if err := c.store.InsertMessage(ctx, replacement); err != nil {
				c.logger.Warn("clip-archive replace insert failed", "conversation", conversationID, "error", err)
			} else {
				clip = replacement
			}
		}
	}

	newHistory := append([]ConversationMessage{clip}, toKeep...)
	return CompactionResult{
		History:              newHistory,
		BatchesCreated:       batchesCreated,
		MessagesCompressed:   messagesCompressed,
		TokensEstimateBefore: estBefore,
		TokensEstimateAfter:  EstimateHistoryTokens(newHistory),
	}
}

// splitHistory separates a prior clip-archive, the span to compress, and
// the keepRecent most recent messages. toCompress is nil when there is
// nothing to compress.
func splitHistory(history []ConversationMessage, keepRecent int) (prior *ConversationMessage, toCompress, toKeep []ConversationMessage) {
	rest := history
	if len(rest) > 0 && rest[0].Role == RoleSystem && strings.HasPrefix(rest[0].Text(), clipArchivePrefix) {
		prior = &rest[0]
		rest = rest[1:]
	}
	if len(rest) <= keepRecent {
		return prior, nil, rest
	}
	cut := len(rest) - keepRecent
	return prior, rest[:cut], rest[cut:]
}

// chunkMessages partitions msgs into consecutive groups of size n; only
// the last may be smaller.
func chunkMessages(msgs []ConversationMessage, n int) [][]ConversationMessage {
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	chunks := make([][]ConversationMessage, 0, (len(msgs)+n-1)/n)
	for start := 0; start < len(msgs); start += n {
		end := min(start+n, len(msgs))
		chunks = append(chunks, msgs[start:end])
	}
	return chunks
}

// summarizeChunk performs one fold-in summarization call: the running
// accumulator as a system message, the chunk with roles preserved, and the
// baked-in directive last.
func (c *Compactor) summarizeChunk(ctx context.Context, acc string, chunk []ConversationMessage) (string, error) {
	var msgs []ConversationMessage
	if acc != "" {
		msgs = append(msgs, ConversationMessage{Role: RoleSystem, Content: []ContentBlock{TextBlock(acc)}})
	}
	for _, m := range chunk {
		switch m.Role {
		case RoleUser, RoleAssistant:
			msgs = append(msgs, ConversationMessage{Role: m.Role, Content: []ContentBlock{TextBlock(renderForSummary(m))}})
		case RoleTool:
			msgs = append(msgs, ConversationMessage{Role: RoleUser, Content: []ContentBlock{TextBlock("[Tool result]: " + renderForSummary(m))}})
		case RoleSystem:
			// Prior clip-archives inside the chunk are already folded into
			// the accumulator.
		}
	}
	msgs = append(msgs, ConversationMessage{Role: RoleUser, Content: []ContentBlock{TextBlock(summaryDirective)}})

	prompt := c.cfg.Prompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	zero := 0.0
	resp, err := c.provider.Complete(ctx, CompletionRequest{
		System:      prompt,
		Messages:    msgs,
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxSummaryTokens,
		Temperature: &zero,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// renderForSummary flattens a message for the summarization prompt: text
// blocks verbatim, tool results by their content, tool uses by name.
func renderForSummary(m ConversationMessage) string {
	var b strings.Builder
	for _, blk := range m.Content {
		switch blk.Type {
		case BlockTypeText:
			b.WriteString(blk.Text)
		case BlockTypeToolResult:
			b.WriteString(blk.Content)
		case BlockTypeToolUse:
			fmt.Fprintf(&b, "[called %s]", blk.Name)
		}
	}
	return b.String()
}

// batchLabel is the archival block label for a batch.
func batchLabel(conversationID string, b SummaryBatch) string {
	return batchLabelPrefix + conversationID + "-" + b.EndTime.UTC().Format(time.RFC3339)
}

// archiveBatch writes the batch's archival block and returns the block id.
func (c *Compactor) archiveBatch(ctx context.Context, conversationID string, b SummaryBatch) (string, error) {
	res, err := c.memory.Write(ctx, batchLabel(conversationID, b), b.ArchiveContent(), TierArchival, "conversation compaction")
	if err != nil {
		return "", err
	}
	if !res.Applied {
		return "", fmt.Errorf("archival write not applied: %s", res.Error)
	}
	if res.Block == nil {
		return "", nil
	}
	return res.Block.ID, nil
}

// archivedBatch pairs a parsed batch with the memory block holding it,
// so re-summarization can delete superseded blocks.
type archivedBatch struct {
	batch   SummaryBatch
	blockID string
}

func batchSlice(in []archivedBatch) []SummaryBatch {
	out := make([]SummaryBatch, len(in))
	for i, ab := range in {
		out[i] = ab.batch
	}
	return out
}

// loadBatches reads every archival batch block for the conversation,
// parses the metadata headers, merges in the batches produced this call
// (deduplicated by label), and orders the set by end time.
func (c *Compactor) loadBatches(ctx context.Context, conversationID string, produced []SummaryBatch) []archivedBatch {
	labelPrefix := batchLabelPrefix + conversationID + "-"
	byLabel := make(map[string]archivedBatch)

	blocks, err := c.memory.List(ctx, TierArchival)
	if err != nil {
		c.logger.Warn("archival list failed, using in-call batches only", "conversation", conversationID, "error", err)
	} else {
		for _, blk := range blocks {
			if !strings.HasPrefix(blk.Label, labelPrefix) {
				continue
			}
			batch, ok := ParseBatchHeader(blk.Content)
			if !ok {
				c.logger.Warn("unparseable batch block skipped", "label", blk.Label)
				continue
			}
			byLabel[blk.Label] = archivedBatch{batch: batch, blockID: blk.ID}
		}
	}
	for _, b := range produced {
		label := batchLabel(conversationID, b)
		if _, ok := byLabel[label]; !ok {
			byLabel[label] = archivedBatch{batch: b}
		}
	}

	all := make([]archivedBatch, 0, len(byLabel))
	for _, ab := range byLabel {
		all = append(all, ab)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].batch.EndTime.Equal(all[j].batch.EndTime) {
			return all[i].batch.EndTime.Before(all[j].batch.EndTime)
		}
		return all[i].batch.StartTime.Before(all[j].batch.StartTime)
	})
	return all
}

// buildClipArchive renders the clip-archive system message over the full
// ordered batch set.
func (c *Compactor) buildClipArchive(conversationID string, batches []SummaryBatch, messagesCompressed int) ConversationMessage {
	maxDepth := 0
	for _, b := range batches {
		if b.Depth > maxDepth {
			maxDepth = b.Depth
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d messages compressed across %d compaction cycles]\n",
		clipArchivePrefix, messagesCompressed, maxDepth+1)

	renderBatch := func(i int, batch SummaryBatch) {
		fmt.Fprintf(&b, "\n[Batch %d — depth %d, %s to %s]\n%s\n",
			i+1, batch.Depth,
			batch.StartTime.UTC().Format(time.RFC3339), batch.EndTime.UTC().Format(time.RFC3339),
			batch.Content)
	}

	window := c.cfg.ClipFirst + c.cfg.ClipLast
	if len(batches) > window {
		b.WriteString("\n" + earliestSection + "\n")
		for i := 0; i < c.cfg.ClipFirst; i++ {
			renderBatch(i, batches[i])
		}
		omitted := len(batches) - window
		fmt.Fprintf(&b, "\n[... %d earlier summaries omitted, searchable via memory_read ...]\n", omitted)
		b.WriteString("\n" + recentSection + "\n")
		for i := len(batches) - c.cfg.ClipLast; i < len(batches); i++ {
			renderBatch(i, batches[i])
		}
	} else {
		split := min(c.cfg.ClipFirst, len(batches))
		b.WriteString("\n" + earliestSection + "\n")
		for i := 0; i < split; i++ {
			renderBatch(i, batches[i])
		}
		if split < len(batches) {
			b.WriteString("\n" + recentSection + "\n")
			for i := split; i < len(batches); i++ {
				renderBatch(i, batches[i])
			}
		}
	}

	return ConversationMessage{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           RoleSystem,
		Content:        []ContentBlock{TextBlock(b.String())},
		CreatedAt:      NowUnixMilli(),
	}
}

// resummarizeBatches folds the middle band (everything outside the clip
// window) into one higher-depth batch, archives it, and deletes the
// superseded blocks. Returns the updated batch set and whether a fold
// happened. Idempotent: below the threshold it is a no-op.
func (c *Compactor) resummarizeBatches(ctx context.Context, conversationID string, all []archivedBatch) ([]archivedBatch, bool) {
	first, last := c.cfg.ClipFirst, c.cfg.ClipLast
	if len(all) <= first+last+resummarizeBuffer {
		return all, false
	}
	band := all[first : len(all)-last]

	var msgs []ConversationMessage
	for _, ab := range band {
		msgs = append(msgs, ConversationMessage{Role: RoleSystem, Content: []ContentBlock{TextBlock(ab.batch.Header() + "\n" + ab.batch.Content)}})
	}
	msgs = append(msgs, ConversationMessage{Role: RoleUser, Content: []ContentBlock{TextBlock(resummarizeDirective)}})

	prompt := c.cfg.Prompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	zero := 0.0
	resp, err := c.provider.Complete(ctx, CompletionRequest{
		System:      prompt,
		Messages:    msgs,
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxSummaryTokens,
		Temperature: &zero,
	})
	if err != nil {
		c.logger.Warn("re-summarization failed, keeping flat batch set", "conversation", conversationID, "error", err)
		return all, false
	}

	maxDepth, count := 0, 0
	start, end := band[0].batch.StartTime, band[0].batch.EndTime
	for _, ab := range band {
		if ab.batch.Depth > maxDepth {
			maxDepth = ab.batch.Depth
		}
		count += ab.batch.MessageCount
		if ab.batch.StartTime.Before(start) {
			start = ab.batch.StartTime
		}
		if ab.batch.EndTime.After(end) {
			end = ab.batch.EndTime
		}
	}
	folded := SummaryBatch{
		Content:      resp.Text(),
		Depth:        maxDepth + 1,
		StartTime:    start,
		EndTime:      end,
		MessageCount: count,
	}

	foldedID, err := c.archiveBatch(ctx, conversationID, folded)
	if err != nil {
		c.logger.Warn("re-summarization archive failed, keeping flat batch set", "conversation", conversationID, "error", err)
		return all, false
	}
	// Delete superseded blocks only after the replacement is durable. The
	// folded batch shares an end time with the band's last batch, so its
	// label-keyed write may have reused that block: never delete it.
	for _, ab := range band {
		if ab.blockID == "" || ab.blockID == foldedID {
			continue
		}
		if err := c.memory.DeleteBlock(ctx, ab.blockID); err != nil {
			c.logger.Warn("superseded batch delete failed", "block", ab.blockID, "error", err)
		}
	}

	updated := make([]archivedBatch, 0, first+1+last)
	updated = append(updated, all[:first]...)
	updated = append(updated, archivedBatch{batch: folded, blockID: foldedID})
	updated = append(updated, all[len(all)-last:]...)
	sort.Slice(updated, func(i, j int) bool {
		return updated[i].batch.EndTime.Before(updated[j].batch.EndTime)
	})
	return updated, true
}

// EstimateTokens estimates the token count of s as ceil(len/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// EstimateHistoryTokens estimates tokens across a whole history: total
// characters over all content blocks, divided by four, rounded up.
func EstimateHistoryTokens(history []ConversationMessage) int {
	total := 0
	for _, m := range history {
		total += messageChars(m)
	}
	return (total + 3) / 4
}

func messageChars(m ConversationMessage) int {
	n := 0
	for _, blk := range m.Content {
		n += len(blk.Text) + len(blk.Content) + len(blk.Name)
		for k, v := range blk.Input {
			n += len(k) + len(fmt.Sprint(v))
		}
	}
	return n
}
