package services

import (
	"time"

	"github.com/Gopher0727/GameNight/internal/models"
)

// 通知负载，作为 JSON 写入发件箱

type pollOpenedPayload struct {
	OrganizerID string    `json:"organizer_id"`
	StartAt     time.Time `json:"start_at"`
	PollCloseAt time.Time `json:"poll_close_at"`
}

type closingSoonPayload struct {
	PollCloseAt time.Time `json:"poll_close_at"`
	Responded   int       `json:"responded"`
}

type finalizedPayload struct {
	StartAt   time.Time `json:"start_at"`
	Attendees []string  `json:"attendees"`
	Maybe     []string  `json:"maybe"`
	Implicit  []string  `json:"implicit"`
}

type gamePollOpenedPayload struct {
	Options  []models.PollOption `json:"options"`
	ClosesAt time.Time           `json:"closes_at"`
}

type gameSelectedPayload struct {
	GameID  string    `json:"game_id"`
	Name    string    `json:"name"`
	Votes   int       `json:"votes"`
	StartAt time.Time `json:"start_at"`
}

type cancelledPayload struct {
	Reason string            `json:"reason"`
	Meta   map[string]string `json:"meta,omitempty"`
}
