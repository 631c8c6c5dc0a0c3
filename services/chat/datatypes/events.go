// Copyright (C) 2026 Helmline Technologies (engineering@helmline.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// EventKind discriminates the variants of a PipelineEvent.
type EventKind string

// The closed set of pipeline event kinds, in the order a successful stream
// emits them: one sources event, zero or more token events, one done event.
// An error event terminates the stream in place of done.
const (
	EventSources EventKind = "sources"
	EventToken   EventKind = "token"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// PipelineEvent is one item of a streamed chat reply. Exactly one of the
// payload fields is set, selected by Kind.
type PipelineEvent struct {
	Kind    EventKind          `json:"-"`
	Sources []SourceInfo       `json:"sources,omitempty"`
	Token   string             `json:"token,omitempty"`
	Done    *ChatQueryResponse `json:"done,omitempty"`
	Err     *EventErrorPayload `json:"error,omitempty"`
}

// EventErrorPayload is the body of a terminal error event. It carries the
// classified code and a client-safe message, never internal detail.
type EventErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// SourcesEvent builds the leading event of a stream.
func SourcesEvent(sources []SourceInfo) PipelineEvent {
	return PipelineEvent{Kind: EventSources, Sources: sources}
}

// TokenEvent wraps one generated token.
func TokenEvent(token string) PipelineEvent {
	return PipelineEvent{Kind: EventToken, Token: token}
}

// DoneEvent wraps the final response of a successful stream.
func DoneEvent(resp *ChatQueryResponse) PipelineEvent {
	return PipelineEvent{Kind: EventDone, Done: resp}
}

// ErrorEvent wraps a terminal error.
func ErrorEvent(code, message, requestID string) PipelineEvent {
	return PipelineEvent{Kind: EventError, Err: &EventErrorPayload{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}}
}

// EventSink receives pipeline events in order. Implementations must not
// retain the event past the call. Emit returns an error when the sink can no
// longer accept events; the pipeline treats that as advisory and keeps
// generating so the turn can still be persisted.
type EventSink interface {
	Emit(event PipelineEvent) error
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(event PipelineEvent) error

// Emit calls the wrapped function.
func (f SinkFunc) Emit(event PipelineEvent) error { return f(event) }
