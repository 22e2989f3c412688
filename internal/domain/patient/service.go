package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rakhmight/radonco/internal/platform/ws"
)

// Actor identifies who performed a mutation. ID is nil when the source
// channel could not map the identity to a staff account.
type Actor struct {
	ID   *uuid.UUID
	Name string
}

// Notifier is the roster fan-out; Go must not block the caller.
type Notifier interface {
	Go(msg string)
}

// EventPublisher pushes mutation events to connected panel sessions.
type EventPublisher interface {
	Broadcast(event ws.Event)
}

// Service owns the treatment-card workflow: record store mutations, the
// change ledger, view watermarks, and the post-mutation broadcasts.
type Service struct {
	patients Repository
	changes  ChangeRepository
	views    ViewRepository
	notifier Notifier
	events   EventPublisher
	logger   zerolog.Logger
}

func NewService(patients Repository, changes ChangeRepository, views ViewRepository,
	notifier Notifier, events EventPublisher, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		changes:  changes,
		views:    views,
		notifier: notifier,
		events:   events,
		logger:   logger,
	}
}

// Create stores a new treatment card. An empty PublicID is filled from the
// identifier allocator; a caller-supplied one is kept as-is.
func (s *Service) Create(ctx context.Context, p *Patient, actor Actor) error {
	if strings.TrimSpace(p.FullName) == "" {
		return ErrNameRequired
	}
	if p.Status == "" {
		p.Status = StatusOnTreatment
	}
	if p.PublicID == "" {
		publicID, err := s.patients.NextPublicID(ctx)
		if err != nil {
			return fmt.Errorf("allocate public id: %w", err)
		}
		p.PublicID = publicID
	}
	p.CreatedBy = actor.ID
	p.UpdatedBy = actor.ID

	if err := s.patients.Create(ctx, p); err != nil {
		return err
	}

	s.afterMutation(ctx, p, actor, SourcePanelCreate, "card created", "patient_created")
	return nil
}

// Get returns a card without touching the viewer's watermark.
func (s *Service) Get(ctx context.Context, id int64) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// GetByPublicID returns a card by its clinic-facing identifier.
func (s *Service) GetByPublicID(ctx context.Context, publicID string) (*Patient, error) {
	return s.patients.GetByPublicID(ctx, publicID)
}

// View returns a card and advances the viewer's watermark to the latest
// ledger entry: opening a record acknowledges everything up to now.
func (s *Service) View(ctx context.Context, id int64, viewerID uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.MarkSeen(ctx, id, viewerID, nil); err != nil {
		s.logger.Warn().Err(err).Int64("patient_id", id).Msg("mark seen on view failed")
	}
	return p, nil
}

// Update applies a partial patch. Nonexistent ids yield ErrNotFound and
// leave the ledger untouched.
func (s *Service) Update(ctx context.Context, id int64, u Update, actor Actor) (*Patient, error) {
	if u.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	if u.FullName != nil && strings.TrimSpace(*u.FullName) == "" {
		return nil, ErrNameRequired
	}
	u.UpdatedBy = actor.ID

	p, err := s.patients.Update(ctx, id, u)
	if err != nil {
		return nil, err
	}

	desc := "edited: " + strings.Join(u.ChangedFields(), ", ")
	s.afterMutation(ctx, p, actor, SourcePanelEdit, desc, "patient_updated")
	return p, nil
}

// EditField is the bot's single-field patch: the card is addressed by its
// public identifier and the raw text value is parsed per field type.
func (s *Service) EditField(ctx context.Context, publicID, field, value string, actor Actor) (*Patient, error) {
	existing, err := s.patients.GetByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}

	u, err := UpdateForField(field, value)
	if err != nil {
		return nil, err
	}
	u.UpdatedBy = actor.ID

	p, err := s.patients.Update(ctx, existing.ID, u)
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, p, actor, SourceBotEdit, field, "patient_updated")
	return p, nil
}

// Delete removes a card; ledger entries and watermarks go with it by
// cascade. The roster is still notified.
func (s *Service) Delete(ctx context.Context, id int64, actor Actor) error {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.patients.Delete(ctx, id); err != nil {
		return err
	}

	s.broadcast(p, actor, "card deleted", "patient_deleted")
	return nil
}

// ListForViewer returns every card with the viewer's unread state.
func (s *Service) ListForViewer(ctx context.Context, viewerID uuid.UUID) ([]*Overview, error) {
	return s.patients.ListForViewer(ctx, viewerID)
}

// Changes returns the card's ledger entries, newest first.
func (s *Service) Changes(ctx context.Context, patientID int64, limit, offset int) ([]*ChangeEvent, int, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, 0, err
	}
	return s.changes.ListByPatient(ctx, patientID, limit, offset)
}

// MarkSeen sets the viewer's watermark. A nil changeID resolves to the
// patient's latest ledger ordinal (0 when the ledger is empty). The value is
// overwritten as given: callers always supply "now", so the component does
// no anti-regression check.
func (s *Service) MarkSeen(ctx context.Context, patientID int64, viewerID uuid.UUID, changeID *int64) error {
	target := int64(0)
	if changeID != nil {
		target = *changeID
	} else {
		latest, err := s.changes.LatestOrdinal(ctx, patientID)
		if err != nil {
			return fmt.Errorf("resolve latest ordinal: %w", err)
		}
		target = latest
	}
	return s.views.MarkSeen(ctx, patientID, viewerID, target)
}

// afterMutation runs the post-commit choreography: ledger append (failure
// logged and swallowed, the mutation stands), actor watermark advance, and
// the broadcast fan-out.
func (s *Service) afterMutation(ctx context.Context, p *Patient, actor Actor, source, description, eventType string) {
	desc := &description
	if description == "" {
		desc = nil
	}

	ordinal, err := s.changes.Record(ctx, p.ID, actor.ID, source, desc)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Int64("patient_id", p.ID).
			Str("source", source).
			Msg("change ledger append failed; mutation kept")
	} else if actor.ID != nil {
		// The author has seen their own edit.
		if err := s.views.MarkSeen(ctx, p.ID, *actor.ID, ordinal); err != nil {
			s.logger.Warn().Err(err).Int64("patient_id", p.ID).Msg("self mark-seen failed")
		}
	}

	s.broadcast(p, actor, description, eventType)
}

func (s *Service) broadcast(p *Patient, actor Actor, description, eventType string) {
	if s.events != nil {
		s.events.Broadcast(ws.Event{
			Type:        eventType,
			PatientID:   p.ID,
			PublicID:    p.PublicID,
			Actor:       actor.Name,
			Description: description,
			Timestamp:   time.Now(),
		})
	}
	if s.notifier != nil {
		actorName := actor.Name
		if actorName == "" {
			actorName = "unknown"
		}
		s.notifier.Go(fmt.Sprintf("Card %s (%s): %s [%s]", p.PublicID, p.FullName, description, actorName))
	}
}
