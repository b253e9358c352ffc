package domain

import (
	"errors"
	"fmt"
	"strings"
)

const MaxRoomKeyLen = 128

var (
	ErrRoomKeyEmpty   = errors.New("room key empty")
	ErrRoomKeyTooLong = errors.New("room key too long")
)

type RoomKey string

// CourseRoomKey derives the room of a course session.
func CourseRoomKey(courseID string) RoomKey {
	return RoomKey(fmt.Sprintf("course-%s", courseID))
}

func ParseRoomKey(raw string) (RoomKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRoomKeyEmpty
	}
	if len(raw) > MaxRoomKeyLen {
		return "", ErrRoomKeyTooLong
	}
	return RoomKey(raw), nil
}
