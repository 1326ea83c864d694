package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// HeaderPrefix namespaces event headers inside watermill message metadata so
// they do not collide with the bridge's own keys.
const HeaderPrefix = "hdr_"

// ToWatermill copies headers into dst under HeaderPrefix.
func ToWatermill(md Metadata, dst message.Metadata) {
	for k, v := range md {
		dst.Set(HeaderPrefix+k, v)
	}
}

// FromWatermill extracts the headers written by ToWatermill.
func FromWatermill(src message.Metadata) Metadata {
	var out Metadata
	for k, v := range src {
		if len(k) <= len(HeaderPrefix) || k[:len(HeaderPrefix)] != HeaderPrefix {
			continue
		}
		if out == nil {
			out = Metadata{}
		}
		out[k[len(HeaderPrefix):]] = v
	}
	return out
}
