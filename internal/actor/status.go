package actor

import (
	"context"
	"time"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/processing"
	"codeberg.org/mutker/coolerd/internal/repository"
)

const statusMailboxSize = 8

// DeviceStatusDTO is the status view handed to API consumers.
type DeviceStatusDTO struct {
	UID     string          `json:"uid"`
	Name    string          `json:"name"`
	Type    device.Type     `json:"type"`
	History []device.Status `json:"history"`
}

type statusMessage interface{ isStatusMessage() }

type statusPollMsg struct {
	reply chan error
}

type statusAllMsg struct {
	reply chan []DeviceStatusDTO
}

type statusRecentMsg struct {
	reply chan []DeviceStatusDTO
}

type statusSinceMsg struct {
	since time.Time
	reply chan []DeviceStatusDTO
}

func (statusPollMsg) isStatusMessage()   {}
func (statusAllMsg) isStatusMessage()    {}
func (statusRecentMsg) isStatusMessage() {}
func (statusSinceMsg) isStatusMessage()  {}

// StatusActor owns the poll cycle: refresh every repository, run the
// profile schedulers, and publish the fresh snapshot to subscribers.
type StatusActor struct {
	ch          chan statusMessage
	repos       repository.Registry
	devices     device.Map
	graph       *processing.GraphCommander
	step        *processing.StepCommander
	broadcaster *Broadcaster
}

func NewStatusActor(
	repos repository.Registry,
	devices device.Map,
	graph *processing.GraphCommander,
	step *processing.StepCommander,
	broadcaster *Broadcaster,
) *StatusActor {
	return &StatusActor{
		ch:          make(chan statusMessage, statusMailboxSize),
		repos:       repos,
		devices:     devices,
		graph:       graph,
		step:        step,
		broadcaster: broadcaster,
	}
}

func (a *StatusActor) Name() string { return "status" }

func (a *StatusActor) Receiver() <-chan statusMessage { return a.ch }

func (a *StatusActor) HandleMessage(ctx context.Context, msg statusMessage) {
	switch m := msg.(type) {
	case statusPollMsg:
		m.reply <- a.poll(ctx)
	case statusAllMsg:
		m.reply <- a.snapshot(func(d *device.Device) []device.Status {
			return d.StatusHistory()
		})
	case statusRecentMsg:
		m.reply <- a.snapshot(latestOnly)
	case statusSinceMsg:
		m.reply <- a.snapshot(func(d *device.Device) []device.Status {
			return statusesSince(d, m.since)
		})
	}
}

// poll refreshes every repository, then lets the schedulers consume
// the new temperatures. Per-repository failures are logged and
// skipped; one failing backend never aborts the cycle. The composite
// repository polls last since it reads the others' fresh values.
func (a *StatusActor) poll(ctx context.Context) error {
	var composite repository.Repository

	for dtype, repo := range a.repos {
		if dtype == device.TypeComposite {
			composite = repo
			continue
		}
		if err := repo.UpdateStatuses(ctx); err != nil {
			logger.Warn().Err(err).Str("type", string(dtype)).Msg("Status poll failed for repository")
		}
	}
	if composite != nil {
		if err := composite.UpdateStatuses(ctx); err != nil {
			logger.Warn().Err(err).Msg("Status poll failed for composite repository")
		}
	}

	a.graph.ProcessAllProfiles()
	a.graph.UpdateSpeeds(ctx)
	a.step.UpdateSpeeds(ctx)

	a.broadcaster.Publish(Event{
		Type:    EventStatus,
		Payload: a.snapshot(latestOnly),
	})

	return ctx.Err()
}

func (a *StatusActor) snapshot(history func(*device.Device) []device.Status) []DeviceStatusDTO {
	dtos := make([]DeviceStatusDTO, 0, len(a.devices))
	for _, dev := range a.devices {
		dtos = append(dtos, DeviceStatusDTO{
			UID:     dev.UID(),
			Name:    dev.Name(),
			Type:    dev.Type(),
			History: history(dev),
		})
	}

	return dtos
}

func latestOnly(d *device.Device) []device.Status {
	if status, ok := d.LatestStatus(); ok {
		return []device.Status{status}
	}

	return nil
}

func statusesSince(d *device.Device, since time.Time) []device.Status {
	history := d.StatusHistory()
	for i := range history {
		if history[i].Timestamp.After(since) {
			return history[i:]
		}
	}

	return nil
}

// StatusHandle is the cloneable, goroutine-safe front of the actor.
type StatusHandle struct {
	ch          chan<- statusMessage
	broadcaster *Broadcaster
}

func (a *StatusActor) Handle() StatusHandle {
	return StatusHandle{ch: a.ch, broadcaster: a.broadcaster}
}

func (h StatusHandle) Poll(ctx context.Context) error {
	msg := statusPollMsg{reply: NewReply[error]()}
	if err := Send(ctx, h.ch, statusMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}

func (h StatusHandle) All(ctx context.Context) ([]DeviceStatusDTO, error) {
	msg := statusAllMsg{reply: NewReply[[]DeviceStatusDTO]()}
	if err := Send(ctx, h.ch, statusMessage(msg)); err != nil {
		return nil, err
	}

	return Await(ctx, msg.reply)
}

func (h StatusHandle) Recent(ctx context.Context) ([]DeviceStatusDTO, error) {
	msg := statusRecentMsg{reply: NewReply[[]DeviceStatusDTO]()}
	if err := Send(ctx, h.ch, statusMessage(msg)); err != nil {
		return nil, err
	}

	return Await(ctx, msg.reply)
}

func (h StatusHandle) Since(ctx context.Context, since time.Time) ([]DeviceStatusDTO, error) {
	msg := statusSinceMsg{since: since, reply: NewReply[[]DeviceStatusDTO]()}
	if err := Send(ctx, h.ch, statusMessage(msg)); err != nil {
		return nil, err
	}

	return Await(ctx, msg.reply)
}

// Subscribe exposes the broadcast stream to API consumers.
func (h StatusHandle) Subscribe() (<-chan Event, func()) {
	return h.broadcaster.Subscribe()
}
