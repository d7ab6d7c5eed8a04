package sinks

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"lockstep/server/logging"
)

// Console renders events through a zerolog console writer.
type Console struct {
	logger zerolog.Logger
}

func NewConsole(w io.Writer, cfg logging.ConsoleConfig) *Console {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}
	return &Console{logger: zerolog.New(output)}
}

func (s *Console) Write(event logging.Event) error {
	entry := s.logger.WithLevel(zerologLevel(event.Severity)).
		Time(zerolog.TimestampFieldName, event.Time).
		Str("type", string(event.Type))
	if event.Turn != 0 {
		entry = entry.Uint32("turn", event.Turn)
	}
	if actor := formatEntity(event.Actor); actor != "" {
		entry = entry.Str("actor", actor)
	}
	if len(event.Targets) > 0 {
		targets := make([]string, 0, len(event.Targets))
		for _, target := range event.Targets {
			targets = append(targets, formatEntity(target))
		}
		entry = entry.Strs("targets", targets)
	}
	if event.Payload != nil {
		entry = entry.Interface("payload", event.Payload)
	}
	if len(event.Extra) > 0 {
		entry = entry.Fields(event.Extra)
	}
	entry.Msg(event.Category)
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

func zerologLevel(sev logging.Severity) zerolog.Level {
	switch sev {
	case logging.SeverityDebug:
		return zerolog.DebugLevel
	case logging.SeverityWarn:
		return zerolog.WarnLevel
	case logging.SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return string(ref.Kind) + ":" + ref.ID
}
