package vectorstore

import "time"

// SourceKind classifies where a source document came from.
type SourceKind string

const (
	// SourceKindScraped marks content fetched from a web page.
	SourceKindScraped SourceKind = "scraped"
	// SourceKindUploaded marks content extracted from an uploaded file.
	SourceKindUploaded SourceKind = "uploaded"
	// SourceKindManual marks content entered directly by an operator.
	SourceKindManual SourceKind = "manual"
)

// Valid reports whether k is one of the known source kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindScraped, SourceKindUploaded, SourceKindManual:
		return true
	}
	return false
}

// Fragment is one embedded chunk of a source document.
//
// Fragments are immutable; FragmentID is the unit of deletion and the
// idempotence key for upserts.
type Fragment struct {
	// FragmentID uniquely identifies the fragment (UUID).
	FragmentID string

	// TenantID is the partition key. Opaque to the index.
	TenantID string

	// SourceID identifies the document this fragment was cut from.
	SourceID string

	// Kind is the source kind, denormalized for filtering.
	Kind SourceKind

	// SequenceIndex is the fragment's position within its source.
	SequenceIndex int

	// Text is the raw chunk text.
	Text string

	// Vector is the embedding of Text. Dimension must match the index.
	Vector []float32

	// CreatedAt is the ingestion timestamp, used for deterministic tie-breaks.
	CreatedAt time.Time

	// Extra carries optional opaque payload fields. The index stores and
	// returns them without interpretation.
	Extra map[string]string
}

// Match is a search hit with its cosine similarity score.
type Match struct {
	Fragment Fragment
	Score    float32
}

// Payload keys shared by both index backends.
const (
	payloadFragmentID = "fragment_id"
	payloadTenantID   = "tenant_id"
	payloadSourceID   = "source_id"
	payloadKind       = "kind"
	payloadSequence   = "sequence_index"
	payloadCreatedAt  = "created_at"
	payloadExtra      = "extra_"
)
