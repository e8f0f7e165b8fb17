// Package storage keeps the broker's ledger of in-flight surface
// attachments in an embedded BoltDB file.
package storage

import (
	"errors"
	"time"

	"github.com/cuemby/mapservice/pkg/types"
)

// ErrNotFound is returned when no attachment is recorded for a uuid
var ErrNotFound = errors.New("attachment not found")

// Store defines the interface for the attachment ledger
type Store interface {
	PutAttachment(att *types.SurfaceAttachment) error
	GetAttachment(uuid string) (*types.SurfaceAttachment, error)
	// TakeAttachment returns and removes the attachment in one transaction
	TakeAttachment(uuid string) (*types.SurfaceAttachment, error)
	ListAttachments() ([]*types.SurfaceAttachment, error)
	CountAttachments() (int, error)
	// PruneAttachments removes attachments created before the cutoff
	PruneAttachments(before time.Time) (int, error)

	Close() error
}
