package topic

import (
	"strings"
)

// Builder constructs MQTT topic strings of the form {root}/{segment}/{id}.
// Segments live in internal/pkg/mqtt/paths so the wire contract stays in one place.
type Builder struct {
	// root is the base namespace for all topics (e.g. "fleet/v1").
	root string
}

// NewBuilder creates a Builder rooted at the given namespace.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.Trim(root, "/")}
}

// Root returns the namespace of the builder.
func (b *Builder) Root() string {
	return b.root
}

// Build returns the concrete topic for a segment and identifier.
// Pattern: {root}/{segment}/{id}
func (b *Builder) Build(segment, id string) string {
	return b.join(segment, id)
}

// BuildWildcard returns the single-level wildcard filter for a segment.
// Pattern: {root}/{segment}/+
func (b *Builder) BuildWildcard(segment string) string {
	return b.join(segment, Wildcard)
}

// ID extracts the trailing identifier from a concrete topic built for segment.
// It returns false when the topic does not belong to the segment.
func (b *Builder) ID(segment, topic string) (string, bool) {
	prefix := b.join(segment, "")
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (b *Builder) join(segment, id string) string {
	if b.root == "" {
		return segment + "/" + id
	}
	return b.root + "/" + segment + "/" + id
}
