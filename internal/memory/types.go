// Package memory defines the four-layer memory hierarchy stored by memoryd:
// Resource → MemoryItem → MemoryCategory (+ links) → Intention, plus the run
// log records kept for every pipeline run.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// Common errors for memory entities.
var (
	ErrEmptyContent      = errors.New("resource content cannot be empty")
	ErrEmptyItemText     = errors.New("item text cannot be empty")
	ErrEmptyResourceRef  = errors.New("item must reference a resource")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrEmptyCategoryName = errors.New("category name cannot be empty")
	ErrUnknownModality   = errors.New("unknown modality")
)

// Modality tags the kind of content a resource holds.
type Modality string

const (
	ModalityConversation Modality = "conversation"
	ModalityDocument     Modality = "document"
	ModalityImage        Modality = "image"
	ModalityAudio        Modality = "audio"
)

// KnownModality reports whether m is one of the supported modalities.
func KnownModality(m Modality) bool {
	switch m {
	case ModalityConversation, ModalityDocument, ModalityImage, ModalityAudio:
		return true
	}
	return false
}

// Segment is one unit of a preprocessed resource (a conversation turn, a
// document section). Offsets index into the resource content.
type Segment struct {
	Index  int    `json:"index"`
	Role   string `json:"role,omitempty"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// Artifacts holds lightweight preprocessing output attached to a resource.
// Enrichment is the only mutation a stored resource permits.
type Artifacts struct {
	Transcription string    `json:"transcription,omitempty"`
	Caption       string    `json:"caption,omitempty"`
	Segments      []Segment `json:"segments,omitempty"`
}

// Resource is a raw ingested unit of content: a conversation transcript, a
// document, or a media reference. Immutable once stored except for artifact
// enrichment; changed content is detected via hash and stored as a new
// resource superseding the old one.
type Resource struct {
	ID          string    `json:"id"`
	Scope       scope.Key `json:"scope"`
	Modality    Modality  `json:"modality"`
	Content     string    `json:"content,omitempty"`
	URI         string    `json:"uri,omitempty"`
	ContentHash string    `json:"content_hash"`
	Artifacts   Artifacts `json:"artifacts,omitempty"`

	// SupersededBy is set on the old resource when re-ingestion of changed
	// content replaces it.
	SupersededBy string `json:"superseded_by,omitempty"`

	IngestedAt time.Time `json:"ingested_at"`
}

// HashContent computes the content hash used for re-ingestion detection.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NewResource creates a resource with a generated ID and content hash.
func NewResource(sk scope.Key, modality Modality, content, uri string) (*Resource, error) {
	if !KnownModality(modality) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModality, modality)
	}
	if content == "" && uri == "" {
		return nil, ErrEmptyContent
	}
	return &Resource{
		ID:          uuid.New().String(),
		Scope:       sk.Clone(),
		Modality:    modality,
		Content:     content,
		URI:         uri,
		ContentHash: HashContent(content + "\x00" + uri),
		IngestedAt:  time.Now().UTC(),
	}, nil
}

// Evidence points from an item back into its source resource.
type Evidence struct {
	// Offset and Length locate the supporting span in the resource content.
	Offset int `json:"offset"`
	Length int `json:"length,omitempty"`

	// Page locates evidence in paginated documents.
	Page int `json:"page,omitempty"`

	// TimestampMS locates evidence in timed media.
	TimestampMS int64 `json:"timestamp_ms,omitempty"`

	// Segment is the index of the source segment, when segmented.
	Segment int `json:"segment,omitempty"`
}

// Item is a reusable extracted fact derived from exactly one resource in the
// same scope. Items are revised by creating a new version; prior versions are
// retained for audit and never hard-deleted except via tenant purge.
type Item struct {
	ID         string    `json:"id"`
	Scope      scope.Key `json:"scope"`
	ResourceID string    `json:"resource_id"`
	Text       string    `json:"text"`
	Evidence   Evidence  `json:"evidence"`

	// Confidence scores extraction reliability, 0.0 to 1.0.
	Confidence float64 `json:"confidence"`

	// Stable marks facts that are not expected to change (preferences,
	// biographical facts) as opposed to situational ones.
	Stable bool `json:"stable"`

	// Version counts revisions; SupersededBy links to the next version.
	Version      int    `json:"version"`
	SupersededBy string `json:"superseded_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewItem creates a version-1 item.
func NewItem(sk scope.Key, resourceID, text string, ev Evidence, confidence float64, stable bool) (*Item, error) {
	if resourceID == "" {
		return nil, ErrEmptyResourceRef
	}
	if text == "" {
		return nil, ErrEmptyItemText
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, ErrInvalidConfidence
	}
	now := time.Now().UTC()
	return &Item{
		ID:         uuid.New().String(),
		Scope:      sk.Clone(),
		ResourceID: resourceID,
		Text:       text,
		Evidence:   ev,
		Confidence: confidence,
		Stable:     stable,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Revise creates the next version of the item with new text and confidence.
// The receiver is left untouched; the caller marks it superseded.
func (it *Item) Revise(text string, confidence float64) (*Item, error) {
	if text == "" {
		return nil, ErrEmptyItemText
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, ErrInvalidConfidence
	}
	now := time.Now().UTC()
	return &Item{
		ID:         uuid.New().String(),
		Scope:      it.Scope.Clone(),
		ResourceID: it.ResourceID,
		Text:       text,
		Evidence:   it.Evidence,
		Confidence: confidence,
		Stable:     it.Stable,
		Version:    it.Version + 1,
		CreatedAt:  it.CreatedAt,
		UpdatedAt:  now,
	}, nil
}

// Active reports whether the item is the current version.
func (it *Item) Active() bool { return it.SupersededBy == "" }

// Category is a named taxonomy node aggregating items. Names are unique per
// scope. Categories are created lazily on first matching item; the summary
// and anchors are recomputed by evolve.
type Category struct {
	ID          string    `json:"id"`
	Scope       scope.Key `json:"scope"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`

	// Summary is the rolling summary of member items.
	Summary string `json:"summary,omitempty"`

	// AnchorItemIDs are a small set of representative items used for
	// retrieval pruning and explanation.
	AnchorItemIDs []string `json:"anchor_item_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCategory creates a category.
func NewCategory(sk scope.Key, name, description string) (*Category, error) {
	if name == "" {
		return nil, ErrEmptyCategoryName
	}
	now := time.Now().UTC()
	return &Category{
		ID:          uuid.New().String(),
		Scope:       sk.Clone(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CategoryLink is the many-to-many link between a category and an item.
// Both ends always share the link's scope.
type CategoryLink struct {
	Scope      scope.Key `json:"scope"`
	CategoryID string    `json:"category_id"`
	ItemID     string    `json:"item_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Intention is the per-scope record of the caller's current goals and
// constraints, used as the entry point for hierarchical retrieval.
type Intention struct {
	Scope       scope.Key `json:"scope"`
	Goals       string    `json:"goals,omitempty"`
	Constraints string    `json:"constraints,omitempty"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}
