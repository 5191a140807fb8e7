package models

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// GameSession is one timed betting round. Status only ever moves from
// active to ended.
type GameSession struct {
	ID                int64         `json:"id"`
	Name              string        `json:"game_name,omitempty"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	Status            SessionStatus `json:"status"`
	WinningNumber     *int          `json:"winning_number"`
	BettingTimeWindow int           `json:"betting_time_window,omitempty"` // minutes
}

func (s *GameSession) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("Session ID %d", s.ID)
}

func (s *GameSession) IsEnded() bool {
	return s.Status == SessionStatusEnded
}

func (s *GameSession) HasWinningNumber() bool {
	return s.WinningNumber != nil
}
