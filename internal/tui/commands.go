package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/plcgw/internal/client"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

// API is the subset of the client the monitor uses.
type API interface {
	Status(ctx context.Context) (*lifecycle.Status, error)
	StartRuntime(ctx context.Context) (*lifecycle.Status, error)
	StopRuntime(ctx context.Context) (*lifecycle.Status, error)
	ListBuilds(ctx context.Context, limit int) ([]history.RunRecord, error)
	Subscribe(ctx context.Context, lastID int64, fn func(events.Event)) error
}

var _ API = (*client.Client)(nil)

const requestTimeout = 5 * time.Second

type eventMsg events.Event

type statusMsg lifecycle.Status

type buildsMsg []history.RunRecord

type errMsg struct{ err error }

type sseDisconnectedMsg struct{}

type reconnectMsg struct{}

type tickMsg time.Time

func fetchStatus(api API) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := api.Status(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(*st)
	}
}

func fetchBuilds(api API, limit int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		runs, err := api.ListBuilds(ctx, limit)
		if err != nil {
			return errMsg{err}
		}
		return buildsMsg(runs)
	}
}

func runtimeAction(call func(context.Context) (*lifecycle.Status, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := call(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(*st)
	}
}

// subscribe feeds the event stream into ch until it drops.
func subscribe(ctx context.Context, api API, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = api.Subscribe(ctx, lastID, func(ev events.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
