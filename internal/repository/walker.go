package repository

import "context"

// walkPageSize bounds one repository read while streaming chunks.
const walkPageSize = 500

// ChunkWalker adapts a Store to index-rebuild consumers that stream
// chunks instead of paging themselves.
type ChunkWalker struct {
	store Store
}

// NewChunkWalker wraps the store.
func NewChunkWalker(store Store) *ChunkWalker {
	return &ChunkWalker{store: store}
}

// ListActiveKBIDs returns the ids of all active knowledge bases.
func (w *ChunkWalker) ListActiveKBIDs(ctx context.Context) ([]string, error) {
	kbs, err := w.store.ListActiveKBs(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(kbs))
	for i, kb := range kbs {
		ids[i] = kb.ID
	}
	return ids, nil
}

// WalkChunks streams the completed chunks of one KB through fn.
func (w *ChunkWalker) WalkChunks(ctx context.Context, kbID string, fn func(chunkID, content string) error) error {
	for offset := 0; ; offset += walkPageSize {
		page, err := w.store.ListChunks(ctx, kbID, offset, walkPageSize)
		if err != nil {
			return err
		}
		for _, c := range page {
			if err := fn(c.ID, c.Content); err != nil {
				return err
			}
		}
		if len(page) < walkPageSize {
			return nil
		}
	}
}
