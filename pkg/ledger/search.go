package ledger

import (
	"context"
	"iter"
)

const pageSize = 256

// Search streams entries matching f in ascending sequence order. Entries are
// read page by page; the full ledger is never held in memory.
func Search(ctx context.Context, store Store, f Filter) iter.Seq2[Entry, error] {
	from := uint64(0)
	if f.AfterSeq != nil {
		from = *f.AfterSeq + 1
	}
	return func(yield func(Entry, error) bool) {
		emitted := 0
		for e, err := range scan(ctx, store, f, from) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
			emitted++
			if f.Limit > 0 && emitted >= f.Limit {
				return
			}
		}
	}
}

// scan walks the store from seq onward, pushing the filter down when the
// store supports it.
func scan(ctx context.Context, store Store, f Filter, from uint64) iter.Seq2[Entry, error] {
	scanner, pushdown := store.(Scanner)
	return func(yield func(Entry, error) bool) {
		next := from
		for {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			var (
				page []Entry
				err  error
			)
			if pushdown {
				page, err = scanner.Scan(ctx, f, next, pageSize)
			} else {
				page, err = store.Read(ctx, next, pageSize)
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for i := range page {
				if !pushdown && !f.Matches(&page[i]) {
					continue
				}
				if !yield(page[i], nil) {
					return
				}
			}
			next = page[len(page)-1].Sequence + 1
			if !pushdown && len(page) < pageSize {
				return
			}
		}
	}
}
