package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the treatment-card record store.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id int64) (*Patient, error)
	GetByPublicID(ctx context.Context, publicID string) (*Patient, error)
	// Update applies the patch with per-field coalesce semantics and returns
	// the resulting row. ErrNotFound when the id does not exist.
	Update(ctx context.Context, id int64, u Update) (*Patient, error)
	Delete(ctx context.Context, id int64) error
	// ListForViewer returns every patient with the viewer's unread state
	// computed in one pass, newest-created first.
	ListForViewer(ctx context.Context, viewerID uuid.UUID) ([]*Overview, error)
	// NextPublicID derives the next sequential public identifier from the
	// all-digit subset of existing identifiers, floored at 999.
	NextPublicID(ctx context.Context) (string, error)
}

// ChangeRepository is the append-only mutation ledger.
type ChangeRepository interface {
	Record(ctx context.Context, patientID int64, actorID *uuid.UUID, source string, description *string) (int64, error)
	ListByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*ChangeEvent, int, error)
	// LatestOrdinal returns the highest ledger ordinal for the patient,
	// 0 when no events exist.
	LatestOrdinal(ctx context.Context, patientID int64) (int64, error)
}

// ViewRepository tracks per-(patient, viewer) watermarks.
type ViewRepository interface {
	// MarkSeen upserts the watermark: insert when absent, overwrite
	// otherwise. Deliberately not a monotonic max.
	MarkSeen(ctx context.Context, patientID int64, viewerID uuid.UUID, changeID int64) error
}
