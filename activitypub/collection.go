package activitypub

import (
	"context"
	"fmt"
	"iter"
)

// Range walks the collection at url lazily, yielding every item in order.
//
// It accepts Collection and OrderedCollection documents and their pages,
// following "first" and then "next" whether they are embedded or linked.
// Items given as links are fetched. A page that was already visited ends
// the walk. The first error is yielded once and ends the walk.
func Range(ctx context.Context, c *Client, url string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		root, err := c.Load(ctx, url)
		if err != nil {
			yield(nil, err)
			return
		}

		visited := map[string]bool{url: true}
		page := root
		if first, ok := nextPage(ctx, c, root, PropertyFirst, visited); ok {
			if first.err != nil {
				yield(nil, first.err)
				return
			}
			if !walkItems(ctx, c, root, yield) {
				return
			}
			page = first.doc
		}

		for page != nil {
			if !walkItems(ctx, c, page, yield) {
				return
			}
			next, ok := nextPage(ctx, c, page, PropertyNext, visited)
			if !ok {
				return
			}
			if next.err != nil {
				yield(nil, next.err)
				return
			}
			page = next.doc
		}
	}
}

type pageResult struct {
	doc Document
	err error
}

// nextPage resolves the page linked from doc by property. ok is false when
// there is no such page or it was already visited.
func nextPage(ctx context.Context, c *Client, doc Document, property Property, visited map[string]bool) (pageResult, bool) {
	if embedded, ok := doc.Document(property); ok {
		id := embedded.ID()
		if id != "" {
			if visited[id] {
				return pageResult{}, false
			}
			visited[id] = true
		}
		return pageResult{doc: embedded}, true
	}

	link := doc.String(property)
	if link == "" || visited[link] {
		return pageResult{}, false
	}
	visited[link] = true

	if err := ctx.Err(); err != nil {
		return pageResult{err: err}, true
	}
	loaded, err := c.Load(ctx, link)
	if err != nil {
		return pageResult{err: fmt.Errorf("load page: %w", err)}, true
	}
	return pageResult{doc: loaded}, true
}

// walkItems yields the items of one page. It returns false once the walk
// must stop.
func walkItems(ctx context.Context, c *Client, page Document, yield func(Document, error) bool) bool {
	items := page.List(PropertyOrderedItems)
	if items == nil {
		items = page.List(PropertyItems)
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return false
		}
		switch v := item.(type) {
		case map[string]any:
			if !yield(Document(v), nil) {
				return false
			}
		case string:
			doc, err := c.Load(ctx, v)
			if err != nil {
				yield(nil, fmt.Errorf("load item: %w", err))
				return false
			}
			if !yield(doc, nil) {
				return false
			}
		}
	}
	return true
}
