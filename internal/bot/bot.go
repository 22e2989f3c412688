// Package bot runs the clinic's Telegram interface: staff look up treatment
// cards by their public identifier and edit one field at a time through a
// pick-field, send-value exchange.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rakhmight/radonco/internal/domain/patient"
	"github.com/rakhmight/radonco/internal/domain/user"
	"github.com/rakhmight/radonco/internal/platform/telegram"
)

const pollTimeoutSec = 50

// API is the slice of the Telegram client the bot uses.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendKeyboard(ctx context.Context, chatID int64, text string, rows [][]telegram.InlineButton) error
	AnswerCallbackQuery(ctx context.Context, callbackID string) error
}

// Bot wires Telegram updates to the patient workflow.
type Bot struct {
	api      API
	patients *patient.Service
	users    *user.Service
	sessions *Sessions
	allowed  map[int64]struct{}
	logger   zerolog.Logger
}

func New(api API, patients *patient.Service, users *user.Service, allowedIDs []int64, logger zerolog.Logger) *Bot {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &Bot{
		api:      api,
		patients: patients,
		users:    users,
		sessions: NewSessions(),
		allowed:  allowed,
		logger:   logger,
	}
}

// Run long-polls for updates until the context is canceled. A failing poll
// backs off and retries; a panicking handler is contained so one bad update
// cannot take the poller down.
func (b *Bot) Run(ctx context.Context) {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := b.api.GetUpdates(ctx, offset, pollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("telegram poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, upd := range updates {
			offset = upd.UpdateID + 1
			b.handleSafely(ctx, upd)
		}
	}
}

func (b *Bot) handleSafely(ctx context.Context, upd telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Int64("update_id", upd.UpdateID).Msg("update handler panicked")
		}
	}()
	b.HandleUpdate(ctx, upd)
}

// HandleUpdate processes one inbound update.
func (b *Bot) HandleUpdate(ctx context.Context, upd telegram.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		b.handleMessage(ctx, upd.Message)
	}
}

func (b *Bot) authorized(chatID int64) bool {
	if len(b.allowed) == 0 {
		return false
	}
	_, ok := b.allowed[chatID]
	return ok
}

// actorFor maps the Telegram sender to a staff account. Unlinked senders
// still get a name for the ledger, just no account id.
func (b *Bot) actorFor(ctx context.Context, from *telegram.User) patient.Actor {
	if from == nil {
		return patient.Actor{Name: "telegram"}
	}
	name := from.Username
	if name == "" {
		name = fmt.Sprintf("telegram:%d", from.ID)
	}
	u, err := b.users.GetByTelegramID(ctx, from.ID)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			b.logger.Warn().Err(err).Int64("telegram_id", from.ID).Msg("staff lookup failed")
		}
		return patient.Actor{Name: name}
	}
	return patient.Actor{ID: &u.ID, Name: u.FullName}
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID
	if !b.authorized(chatID) {
		b.logger.Debug().Int64("chat_id", chatID).Msg("message from chat outside the allow-list")
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/start" || text == "/help":
		b.sessions.Clear(chatID)
		b.reply(ctx, chatID, "Send a card number to open it, or use:\n"+
			"/card <number> - open a treatment card\n"+
			"/cancel - abandon the current edit")
	case text == "/cancel":
		if b.sessions.Clear(chatID) {
			b.reply(ctx, chatID, "Edit canceled.")
		} else {
			b.reply(ctx, chatID, "Nothing to cancel.")
		}
	case strings.HasPrefix(text, "/card"):
		b.sessions.Clear(chatID)
		b.showCard(ctx, chatID, strings.TrimSpace(strings.TrimPrefix(text, "/card")))
	default:
		if pending, ok := b.sessions.Get(chatID); ok {
			b.applyValue(ctx, msg, pending)
			return
		}
		// A bare card number works like /card.
		b.showCard(ctx, chatID, text)
	}
}

func (b *Bot) showCard(ctx context.Context, chatID int64, publicID string) {
	if publicID == "" {
		b.reply(ctx, chatID, "Which card? Send /card <number>.")
		return
	}

	p, err := b.patients.GetByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			b.reply(ctx, chatID, fmt.Sprintf("No card %s.", publicID))
		} else {
			b.logger.Error().Err(err).Str("public_id", publicID).Msg("card lookup failed")
			b.reply(ctx, chatID, "Something went wrong, try again.")
		}
		return
	}

	if err := b.api.SendKeyboard(ctx, chatID, renderCard(p), fieldKeyboard(p.PublicID)); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("send card failed")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if err := b.api.AnswerCallbackQuery(ctx, cb.ID); err != nil {
		b.logger.Debug().Err(err).Msg("answer callback failed")
	}
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	if !b.authorized(chatID) {
		return
	}

	// Button payloads look like edit:<field>:<public id>.
	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) != 3 || parts[0] != "edit" {
		return
	}
	field, publicID := parts[1], parts[2]
	label, ok := patient.FieldLabels[field]
	if !ok {
		return
	}

	p, err := b.patients.GetByPublicID(ctx, publicID)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("No card %s.", publicID))
		return
	}

	b.sessions.Begin(chatID, field, label, publicID)
	prompt := fmt.Sprintf("Card %s: send the new value for %s.", publicID, label)
	if current := p.FieldValue(field); current != "" {
		prompt += fmt.Sprintf("\nCurrent: %s", current)
	}
	if field == "birth_date" {
		prompt += "\nFormat: YYYY-MM-DD"
	}
	b.reply(ctx, chatID, prompt+"\n/cancel to abort.")
}

// applyValue finishes a pending edit with the message text as the value.
// A value the field cannot parse keeps the session pending for a retry.
func (b *Bot) applyValue(ctx context.Context, msg *telegram.Message, pending Pending) {
	chatID := msg.Chat.ID
	actor := b.actorFor(ctx, msg.From)

	p, err := b.patients.EditField(ctx, pending.PublicID, pending.Field, msg.Text, actor)
	if err != nil {
		switch {
		case errors.Is(err, patient.ErrNotFound):
			b.sessions.Clear(chatID)
			b.reply(ctx, chatID, fmt.Sprintf("Card %s is gone.", pending.PublicID))
		case errors.Is(err, patient.ErrUnknownField):
			b.sessions.Clear(chatID)
			b.reply(ctx, chatID, "That field cannot be edited anymore.")
		default:
			b.reply(ctx, chatID, fmt.Sprintf("Could not save %s: %v\nSend another value or /cancel.", pending.Label, err))
		}
		return
	}

	b.sessions.Clear(chatID)
	b.reply(ctx, chatID, fmt.Sprintf("Card %s: %s is now %q.", p.PublicID, pending.Label, p.FieldValue(pending.Field)))
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.api.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("send reply failed")
	}
}

func renderCard(p *patient.Patient) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Card %s - %s\n", p.PublicID, p.FullName)
	for _, field := range patient.EditableFields {
		if field == "full_name" {
			continue
		}
		if v := p.FieldValue(field); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", patient.FieldLabels[field], v)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func fieldKeyboard(publicID string) [][]telegram.InlineButton {
	var rows [][]telegram.InlineButton
	var row []telegram.InlineButton
	for _, field := range patient.EditableFields {
		row = append(row, telegram.InlineButton{
			Text:         patient.FieldLabels[field],
			CallbackData: fmt.Sprintf("edit:%s:%s", field, publicID),
		})
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}
