package main

import (
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// logPresenter reports stream changes as log lines.
type logPresenter struct{}

func (logPresenter) StreamAdded(p domain.Participant, kind domain.StreamKind) {
	log.Info().Str("module", "peer").Str("remote", string(p.ID)).Str("name", p.DisplayName).
		Str("kind", string(kind)).Bool("audio", p.Status.Audio).Bool("video", p.Status.Video).Msg("stream added")
}

func (logPresenter) StreamRemoved(id domain.ParticipantID, kind domain.StreamKind) {
	log.Info().Str("module", "peer").Str("remote", string(id)).Str("kind", string(kind)).Msg("stream removed")
}

func (logPresenter) StatusChanged(id domain.ParticipantID, status domain.MediaStatus) {
	log.Info().Str("module", "peer").Str("remote", string(id)).Bool("audio", status.Audio).Bool("video", status.Video).Msg("status")
}

func (logPresenter) Unreachable(id domain.ParticipantID, kind domain.StreamKind) {
	log.Warn().Str("module", "peer").Str("remote", string(id)).Str("kind", string(kind)).Msg("participant unreachable")
}
