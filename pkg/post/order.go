package post

import "github.com/skygent/skygent/pkg/primitives"

// StorePost pairs a Post with the name of the store it was read from —
// the unit the cross-store merge (internal/query) operates over.
type StorePost struct {
	Store primitives.StoreName
	Post  *Post
}

// Compare orders two StorePosts by (CreatedAt, Uri, Store) ascending. The
// cross-store merge negates the result for descending order (the default
// per spec.md §4.6).
func Compare(a, b StorePost) int {
	switch {
	case a.Post.CreatedAt.Time().Before(b.Post.CreatedAt.Time()):
		return -1
	case b.Post.CreatedAt.Time().Before(a.Post.CreatedAt.Time()):
		return 1
	}
	if a.Post.Uri != b.Post.Uri {
		if a.Post.Uri < b.Post.Uri {
			return -1
		}
		return 1
	}
	if a.Store != b.Store {
		if a.Store < b.Store {
			return -1
		}
		return 1
	}
	return 0
}
