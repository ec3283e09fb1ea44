// Package backend defines the contract shared by the executors that perform the actual transfer.
package backend

import (
	"context"
	"errors"
	"fmt"

	"boxoffice/internal/domain"
	"boxoffice/internal/resolver"
)

type EventKind int

const (
	// EventMetadata fires once the torrent info is known and the transfer is ready.
	EventMetadata EventKind = iota + 1
	EventProgress
	EventCompleted
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMetadata:
		return "metadata"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Err  error
}

// Handle is the live reference a backend returns for a submitted transfer.
type Handle interface {
	// Events is closed after EventCompleted or EventError, or once the handle is cancelled.
	// Fire-and-forget backends return nil.
	Events() <-chan Event
	Metrics() domain.Metrics
}

// Backend executes transfers. Cancel must be idempotent.
type Backend interface {
	Name() string
	Submit(ctx context.Context, src resolver.Source, destDir string) (Handle, error)
	Cancel(h Handle) error
}

// Ack acknowledges a submission to a backend that manages the transfer lifecycle itself.
type Ack struct {
	Backend string
}

func (Ack) Events() <-chan Event { return nil }

func (Ack) Metrics() domain.Metrics { return domain.Metrics{} }

// Describe renders a backend error as a message suitable for display on a task.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrProtocolIncompatible):
		return fmt.Sprintf("the embedded torrent engine could not interpret this link (%v); configure a qBittorrent daemon for broader compatibility", err)
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return fmt.Sprintf("%v; check the configured username and password", err)
	case errors.Is(err, domain.ErrBackendUnavailable):
		return fmt.Sprintf("%v; make sure the daemon is running and its Web UI is enabled", err)
	default:
		return err.Error()
	}
}

var _ Handle = Ack{}
