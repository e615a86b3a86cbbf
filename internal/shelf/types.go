package shelf

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/pool"
)

var (
	// ErrStaleReference marks an operation against a shelf id that no
	// longer exists.
	ErrStaleReference = errors.New("stale shelf reference")
	// ErrShelfLimit is returned when max_simultaneous_shelves is reached.
	ErrShelfLimit = fmt.Errorf("%w: shelf limit reached", pool.ErrResourceExhausted)
)

// ItemKind classifies a shelf item.
type ItemKind string

const (
	KindFile   ItemKind = "file"
	KindFolder ItemKind = "folder"
)

// Item is one file reference held by a shelf. Items are unique by ID; the
// same path may appear more than once.
type Item struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Path      string   `json:"absolutePath"`
	Kind      ItemKind `json:"kind"`
	SizeBytes int64    `json:"sizeBytes"`
	AddedAt   uint64   `json:"addedAt"`
}

// NewItem builds an item for an inspected path. ID and AddedAt are filled
// in by AddItem.
func NewItem(path string, isDir bool, sizeBytes int64) Item {
	kind := KindFile
	if isDir {
		kind = KindFolder
		sizeBytes = 0
	}
	return Item{Name: filepath.Base(path), Path: path, Kind: kind, SizeBytes: sizeBytes}
}

// DockEdge is the screen edge a shelf is docked to.
type DockEdge string

const (
	EdgeNone   DockEdge = "none"
	EdgeTop    DockEdge = "top"
	EdgeRight  DockEdge = "right"
	EdgeBottom DockEdge = "bottom"
	EdgeLeft   DockEdge = "left"
)

// ParseEdge accepts the edge names case-insensitively. An empty string is
// EdgeNone.
func ParseEdge(s string) (DockEdge, bool) {
	switch DockEdge(strings.ToLower(strings.TrimSpace(s))) {
	case "", EdgeNone:
		return EdgeNone, true
	case EdgeTop:
		return EdgeTop, true
	case EdgeRight:
		return EdgeRight, true
	case EdgeBottom:
		return EdgeBottom, true
	case EdgeLeft:
		return EdgeLeft, true
	default:
		return EdgeNone, false
	}
}

// Snapshot is a read-only copy of a shelf record. It is what the UI
// collaborator receives in shelf.config.
type Snapshot struct {
	ID        string         `json:"id"`
	Position  platform.Point `json:"position"`
	Items     []Item         `json:"items"`
	IsPinned  bool           `json:"isPinned"`
	IsVisible bool           `json:"isVisible"`
	DockEdge  DockEdge       `json:"dockEdge"`
	Opacity   float64        `json:"opacity"`
	IsDefault bool           `json:"isDefault"`
	CreatedAt uint64         `json:"createdAt"`

	// Candidates are the paths of the drag that summoned the shelf.
	Candidates []string `json:"candidatePaths,omitempty"`
}

// CreateOptions are the optional fields of shelf.create.
type CreateOptions struct {
	Position *platform.Point
	IsPinned bool
	Opacity  *float64
	DockEdge DockEdge
	// Default marks the gesture-created shelf. At most one unpinned default
	// shelf exists; further default requests raise it instead.
	Default bool
	// Hidden creates the shelf without showing it.
	Hidden bool
	// Candidates are the dragged paths at the time of the gesture.
	Candidates []string
}

// PartialConfig is the payload of shelf.updateConfig. Nil fields are left
// unchanged.
type PartialConfig struct {
	Position  *platform.Point `json:"position,omitempty"`
	IsPinned  *bool           `json:"isPinned,omitempty"`
	IsVisible *bool           `json:"isVisible,omitempty"`
	DockEdge  *DockEdge       `json:"dockEdge,omitempty"`
	Opacity   *float64        `json:"opacity,omitempty"`
}

// CreateResult reports the shelf a create request resolved to.
type CreateResult struct {
	ID string `json:"id"`
	// Coalesced is set when an existing default shelf was raised instead.
	Coalesced bool `json:"coalesced"`
}

// Config holds the lifecycle timings and geometry.
type Config struct {
	AutoHideDelay        time.Duration
	DeferredDestroyDelay time.Duration
	ConfigResendDelay    time.Duration
	SweepInterval        time.Duration
	Width                float64
	Height               float64
	DockMargin           float64
	DockGap              float64
	AutoPinOnContent     bool
	DefaultOpacity       float64
	MaxShelves           int
}

func DefaultConfig() Config {
	return Config{
		AutoHideDelay:        5 * time.Second,
		DeferredDestroyDelay: 3 * time.Second,
		ConfigResendDelay:    300 * time.Millisecond,
		SweepInterval:        60 * time.Second,
		Width:                320,
		Height:               240,
		DockMargin:           12,
		DockGap:              8,
		AutoPinOnContent:     true,
		DefaultOpacity:       1,
		MaxShelves:           5,
	}
}

// EventKind names an event pushed to the UI collaborator.
type EventKind string

const (
	EventConfig      EventKind = "shelf.config"
	EventItemAdded   EventKind = "shelf.itemAdded"
	EventItemRemoved EventKind = "shelf.itemRemoved"
	EventDestroyed   EventKind = "shelf.destroyed"
)

// Event is one pushed notification.
type Event struct {
	Kind     EventKind `json:"event"`
	ShelfID  string    `json:"shelfId"`
	Snapshot *Snapshot `json:"config,omitempty"`
	Item     *Item     `json:"item,omitempty"`
	ItemID   string    `json:"itemId,omitempty"`
}

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Observer is told about lifecycle changes the gesture coordinator tracks.
type Observer interface {
	ShelfItemsAdded(id string)
	ShelfDestroyed(id string)
	// KeepAlive is asked before an idle shelf is destroyed; returning true
	// re-arms its timer instead.
	KeepAlive(id string) bool
}
