// Package metadata holds free-form string headers that travel with an event
// alongside its structured metadata block.
package metadata

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Clone returns a shallow copy. A nil receiver clones to nil so events without
// headers stay header-less.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := make(Metadata, len(m)+1)
	for k, v := range m {
		cloned[k] = v
	}
	cloned[key] = value
	return cloned
}

// Get returns the value for key or an empty string.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
