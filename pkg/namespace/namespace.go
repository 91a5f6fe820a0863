// Package namespace maps cache keys to the namespace labels used to group
// them in audit reports.
package namespace

import "strings"

// Delimiter separates namespace segments inside a key.
const Delimiter = ":"

// None is the label for keys with fewer segments than the classifier depth.
const None = "(no-namespace)"

// DefaultDepth is the number of leading segments that form a namespace.
const DefaultDepth = 2

// Classifier derives a namespace from the first Depth delimiter-separated
// segments of a key. The zero value classifies with depth 1.
type Classifier struct {
	Depth int
}

// New returns a classifier for the given depth.
func New(depth int) Classifier {
	return Classifier{Depth: depth}
}

// Classify returns the namespace of key, including the trailing delimiter,
// e.g. "user:session:42" with depth 2 is "user:session:". Keys with fewer
// than Depth delimiters map to None.
func (c Classifier) Classify(key string) string {
	depth := c.Depth
	if depth < 1 {
		depth = 1
	}

	end := 0
	for i := 0; i < depth; i++ {
		idx := strings.Index(key[end:], Delimiter)
		if idx < 0 {
			return None
		}
		end += idx + len(Delimiter)
	}
	return key[:end]
}
