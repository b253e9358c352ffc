// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxDisplayNameLen  = 36
	DefaultDisplayName = "Anonymous"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrParticipantIDEmpty = errors.New("participant id empty")
)

// ParticipantID is connection scoped: a reconnect gets a new one.
type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

type MediaStatus struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// DefaultMediaStatus is assumed for members that never reported one.
func DefaultMediaStatus() MediaStatus {
	return MediaStatus{Audio: true, Video: true}
}

// Participant is the registry-owned view of one joined connection.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	Status      MediaStatus   `json:"status"`
}

// NormalizeDisplayName trims the name and falls back to DefaultDisplayName.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultDisplayName, nil
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
