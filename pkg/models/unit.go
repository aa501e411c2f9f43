package models

// ArtifactKind classifies a source unit for extractor dispatch.
type ArtifactKind string

const (
	ArtifactView       ArtifactKind = "view"
	ArtifactController ArtifactKind = "controller"
	ArtifactService    ArtifactKind = "service"
	ArtifactMapper     ArtifactKind = "mapper"
	ArtifactSQL        ArtifactKind = "sql"
	ArtifactSchema     ArtifactKind = "schema"
	ArtifactUnknown    ArtifactKind = "unknown"
)

// AllArtifactKinds lists every kind that participates in extraction,
// in dispatch order. ArtifactUnknown is deliberately absent.
var AllArtifactKinds = []ArtifactKind{
	ArtifactView,
	ArtifactController,
	ArtifactService,
	ArtifactMapper,
	ArtifactSQL,
	ArtifactSchema,
}

// IsExtractable reports whether units of this kind are dispatched to an extractor.
func (k ArtifactKind) IsExtractable() bool {
	return k != ArtifactUnknown && k != ""
}

// ValidArtifactKind reports whether k names a known extractable kind.
func ValidArtifactKind(k ArtifactKind) bool {
	for _, known := range AllArtifactKinds {
		if k == known {
			return true
		}
	}
	return false
}

// AnalysisUnit is one source file discovered by the inventory scan.
// Units are value objects: a content change produces a new unit with a new
// hash rather than mutating an existing one.
type AnalysisUnit struct {
	// Path is relative to the analyzed project root, always slash-separated.
	Path string       `json:"path"`
	Kind ArtifactKind `json:"kind"`
	// ContentHash is the hex-encoded SHA-256 of the file content.
	ContentHash string `json:"content_hash"`
	// LastExtractedHash is the content hash at the time facts were last
	// committed for this unit. Empty for units never extracted.
	LastExtractedHash string `json:"last_extracted_hash,omitempty"`
}

// Changed reports whether the unit's content differs from what was last extracted.
func (u *AnalysisUnit) Changed() bool {
	return u.ContentHash != u.LastExtractedHash
}

// SchemaPseudoUnitPath is the synthetic unit path used for schema introspection
// facts. The schema extractor runs against a connection target rather than a
// file, but resolver and store provenance still need a unit identity.
const SchemaPseudoUnitPath = "schema://datasource"
