package notify

import (
	"encoding/json"
	"time"

	"github.com/Gopher0727/GameNight/internal/models"
)

// Builder stamps ids and routes events to their target.
type Builder struct {
	nextID func() int64
	now    func() time.Time
}

func NewBuilder(nextID func() int64, now func() time.Time) *Builder {
	return &Builder{nextID: nextID, now: now}
}

// TargetFor routes poll traffic to the planning channel, announcements to the
// main channel and reminders to the user.
func TargetFor(kind models.EventKind, night *models.GameNight, userID string) Target {
	switch kind {
	case models.EventPollOpened, models.EventPollClosingSoon:
		return Target{Type: models.TargetChannel, ID: night.PlanningChannelID}
	case models.EventReminderDue:
		return Target{Type: models.TargetUser, ID: userID}
	default:
		return Target{Type: models.TargetChannel, ID: night.AnnounceChannel()}
	}
}

// Channel builds an outbox row for a channel-targeted event.
func (b *Builder) Channel(kind models.EventKind, night *models.GameNight, payload any) (models.Notification, error) {
	return b.build(kind, night, "", payload)
}

// User builds an outbox row addressed to one user.
func (b *Builder) User(kind models.EventKind, night *models.GameNight, userID string, payload any) (models.Notification, error) {
	return b.build(kind, night, userID, payload)
}

func (b *Builder) build(kind models.EventKind, night *models.GameNight, userID string, payload any) (models.Notification, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Notification{}, err
	}
	target := TargetFor(kind, night, userID)
	return models.Notification{
		ID:         b.nextID(),
		GuildID:    night.GuildID,
		Seq:        night.Seq,
		Kind:       kind,
		TargetType: target.Type,
		TargetID:   target.ID,
		Payload:    string(data),
		Status:     models.NotificationPending,
		CreatedAt:  b.now(),
	}, nil
}
