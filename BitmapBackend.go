package qhat

import "github.com/sirgallo/qhat/bitmap"


//============================================= bitmap.Backend adapter
//
// Lets a nullable QHAT's companion bitmap (C6) allocate pages through this
// Store's paged allocator (C2) without the bitmap package importing qhat
// directly.
type storeBitmapBackend struct {
	store *Store
}

// bitmapPagesPerRef is the length of the page run behind every bitmap
// PageRef: a nullable leaf packs bitmap.KeysPerLeaf 2-bit fields, 8 KiB.
const bitmapPagesPerRef = 2

func newBitmapBackend(store *Store) *storeBitmapBackend {
	return &storeBitmapBackend{store: store}
}

func (b *storeBitmapBackend) AllocPage() (bitmap.PageRef, error) {
	ph, err := b.store.AllocPages(bitmapPagesPerRef)
	if err != nil { return bitmap.PageRef{}, err }

	// A fresh bitmap page must read back as all-absent; AllocPages itself
	// hands back pages as-is, so zero this one explicitly.
	b.store.ZeroPages(ph, bitmapPagesPerRef)

	return bitmap.PageRef{MapIndex: ph.MapIndex, PageIndex: ph.PageIndex, Valid: true}, nil
}

func (b *storeBitmapBackend) Page(ref bitmap.PageRef) bitmap.Page {
	b.store.mu.RLock()
	pma, ok := b.store.pageAllocs[ref.MapIndex]
	b.store.mu.RUnlock()

	if !ok { return nil }

	return pma.pgDerefRun(ref.PageIndex, bitmapPagesPerRef)
}

func (b *storeBitmapBackend) FreePage(ref bitmap.PageRef) {
	b.store.FreePages(PageHandle{MapIndex: ref.MapIndex, PageIndex: ref.PageIndex}, bitmapPagesPerRef)
}
