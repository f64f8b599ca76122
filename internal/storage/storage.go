package storage

import "marketScope/internal/model"

// DeadLetter receives market logs that could not be decoded or applied.
type DeadLetter interface {
	PutDecodeErrors(records []model.DecodeError) error
}

// EventSink receives decoded events from dry runs.
type EventSink interface {
	PutEvents(events []model.Event) error
}

// Discard drops everything written to it.
type Discard struct{}

func (Discard) PutDecodeErrors([]model.DecodeError) error { return nil }

func (Discard) PutEvents([]model.Event) error { return nil }
