// Package route maps entity types to index targets and transformers.
package route

import (
	"fmt"

	"github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/transform"
	"github.com/driftline/driftline/pkg/types"
)

// Route pairs an index target with the transformer that produces
// documents for it.
type Route struct {
	// Index is the target index name.
	Index string

	// Transformer projects change events into index documents.
	Transformer transform.Transformer
}

// Router resolves the route for an entity type. Routes are fixed after
// construction; a missing route at runtime is a configuration gap and is
// dead-lettered, never retried.
type Router struct {
	routes map[types.EntityType]Route
}

// New creates a router from the given routes.
func New(routes map[types.EntityType]Route) *Router {
	return &Router{routes: routes}
}

// Default builds the standard routing table: users, posts and comments
// each get their own index; likes and follows fold into the documents
// they reference; hashtags get a dedicated suggestion index.
func Default(lookup transform.LookupClient) *Router {
	return New(map[types.EntityType]Route{
		types.EntityUser:    {Index: "users", Transformer: transform.NewUserTransformer()},
		types.EntityPost:    {Index: "posts", Transformer: transform.NewPostTransformer(lookup)},
		types.EntityComment: {Index: "comments", Transformer: transform.NewCommentTransformer(lookup)},
		types.EntityLike:    {Index: "posts", Transformer: transform.NewLikeTransformer(lookup)},
		types.EntityFollow:  {Index: "users", Transformer: transform.NewFollowTransformer(lookup)},
		types.EntityHashtag: {Index: "hashtags", Transformer: transform.NewHashtagTransformer()},
	})
}

// Resolve returns the route for the entity type.
func (r *Router) Resolve(entity types.EntityType) (Route, error) {
	route, ok := r.routes[entity]
	if !ok {
		return Route{}, errors.NewRouteError(
			fmt.Sprintf("no route registered for entity %q", entity))
	}
	return route, nil
}

// Validate checks at startup that every known entity type has a route.
// A gap found here is fatal; finding it per-event would silently
// dead-letter a whole table's stream.
func (r *Router) Validate() error {
	for _, entity := range types.KnownEntityTypes() {
		if _, ok := r.routes[entity]; !ok {
			return errors.NewRouteError(
				fmt.Sprintf("no route registered for entity %q", entity))
		}
	}
	return nil
}

// Indexes returns the distinct index names the router targets.
func (r *Router) Indexes() []string {
	seen := make(map[string]bool)
	var names []string
	for _, route := range r.routes {
		if !seen[route.Index] {
			seen[route.Index] = true
			names = append(names, route.Index)
		}
	}
	return names
}
