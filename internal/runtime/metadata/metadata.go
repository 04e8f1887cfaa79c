package metadata

import (
	"sort"
	"strings"

	"github.com/drblury/sessionflow/transport"
)

// Header keys read from ingested records.
const (
	KeyToken      = "token"
	KeyDistinctID = "distinct_id"
	KeyLibVersion = "lib_version"
	KeySessionID  = "session_id"
)

// Metadata holds decoded record headers. It is built once per record and
// read by every pipeline step.
type Metadata map[string]string

// FromHeaders decodes headers into Metadata. When a key repeats, the first
// value wins. Invalid UTF-8 sequences are replaced.
func FromHeaders(headers []transport.Header) Metadata {
	md := make(Metadata, len(headers))
	for _, h := range headers {
		if _, seen := md[h.Key]; seen {
			continue
		}
		md[h.Key] = strings.ToValidUTF8(string(h.Value), "�")
	}
	return md
}

// ToHeaders encodes the metadata as headers sorted by key.
func (m Metadata) ToHeaders() []transport.Header {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]transport.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, transport.Header{Key: k, Value: []byte(m[k])})
	}
	return headers
}

// Token returns the project token, empty when absent.
func (m Metadata) Token() string { return m[KeyToken] }

// DistinctID returns the distinct id header.
func (m Metadata) DistinctID() string { return m[KeyDistinctID] }

// LibVersion returns the client library version header.
func (m Metadata) LibVersion() string { return m[KeyLibVersion] }

// SessionID returns the session id header.
func (m Metadata) SessionID() string { return m[KeySessionID] }

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
