package actor

import (
	"context"

	"github.com/google/uuid"

	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/store"
)

const modeMailboxSize = 8

type modeMessage interface{ isModeMessage() }

type modesListMsg struct {
	reply chan Result[[]store.Mode]
}

type modeSaveMsg struct {
	mode  store.Mode
	reply chan Result[store.Mode]
}

type modeDeleteMsg struct {
	uid   string
	reply chan error
}

type modeActivateMsg struct {
	uid   string
	reply chan error
}

type modeActiveMsg struct {
	reply chan string
}

func (modesListMsg) isModeMessage()    {}
func (modeSaveMsg) isModeMessage()     {}
func (modeDeleteMsg) isModeMessage()   {}
func (modeActivateMsg) isModeMessage() {}
func (modeActiveMsg) isModeMessage()   {}

// ModeActor owns named setting snapshots. Activating a mode pushes
// each of its settings through the device actor, so hardware access
// stays serialized there.
type ModeActor struct {
	ch          chan modeMessage
	settings    *store.Store
	devices     DeviceHandle
	broadcaster *Broadcaster
	activeUID   string
}

func NewModeActor(settings *store.Store, devices DeviceHandle, broadcaster *Broadcaster) *ModeActor {
	return &ModeActor{
		ch:          make(chan modeMessage, modeMailboxSize),
		settings:    settings,
		devices:     devices,
		broadcaster: broadcaster,
	}
}

func (a *ModeActor) Name() string { return "mode" }

func (a *ModeActor) Receiver() <-chan modeMessage { return a.ch }

func (a *ModeActor) HandleMessage(ctx context.Context, msg modeMessage) {
	switch m := msg.(type) {
	case modesListMsg:
		modes, err := a.settings.Modes()
		m.reply <- Result[[]store.Mode]{Value: modes, Err: err}
	case modeSaveMsg:
		m.reply <- a.saveMode(m.mode)
	case modeDeleteMsg:
		if a.activeUID == m.uid {
			a.activeUID = ""
		}
		m.reply <- a.settings.DeleteMode(m.uid)
	case modeActivateMsg:
		m.reply <- a.activate(ctx, m.uid)
	case modeActiveMsg:
		m.reply <- a.activeUID
	}
}

func (a *ModeActor) saveMode(mode store.Mode) Result[store.Mode] {
	if mode.UID == "" {
		mode.UID = uuid.NewString()
	}

	for i := range mode.Settings {
		if err := mode.Settings[i].Setting.Validate(); err != nil {
			return Result[store.Mode]{Err: err}
		}
	}

	if err := a.settings.SaveMode(mode); err != nil {
		return Result[store.Mode]{Err: err}
	}

	return Result[store.Mode]{Value: mode}
}

// activate applies every setting of the mode. Failures on single
// channels are logged and skipped so a partially-applicable mode still
// configures what it can.
func (a *ModeActor) activate(ctx context.Context, uid string) error {
	mode, err := a.settings.ModeByUID(uid)
	if err != nil {
		return err
	}

	for _, cs := range mode.Settings {
		if err := a.devices.SetSetting(ctx, cs.DeviceUID, cs.Setting); err != nil {
			logger.Warn().
				Err(err).
				Str("mode", mode.Name).
				Str("device", cs.DeviceUID).
				Str("channel", cs.Setting.ChannelName).
				Msg("Failed to apply mode setting")
		}
	}

	a.activeUID = uid
	a.broadcaster.Publish(Event{
		Type: EventModeActivated,
		Payload: map[string]string{
			"uid":  mode.UID,
			"name": mode.Name,
		},
	})

	logger.Info().Str("mode", mode.Name).Msg("Mode activated")

	return nil
}

type ModeHandle struct {
	ch chan<- modeMessage
}

func (a *ModeActor) Handle() ModeHandle {
	return ModeHandle{ch: a.ch}
}

func (h ModeHandle) Modes(ctx context.Context) ([]store.Mode, error) {
	msg := modesListMsg{reply: NewReply[Result[[]store.Mode]]()}
	if err := Send(ctx, h.ch, modeMessage(msg)); err != nil {
		return nil, err
	}

	res, err := Await(ctx, msg.reply)
	if err != nil {
		return nil, err
	}

	return res.Value, res.Err
}

func (h ModeHandle) SaveMode(ctx context.Context, mode store.Mode) (store.Mode, error) {
	msg := modeSaveMsg{mode: mode, reply: NewReply[Result[store.Mode]]()}
	if err := Send(ctx, h.ch, modeMessage(msg)); err != nil {
		return store.Mode{}, err
	}

	res, err := Await(ctx, msg.reply)
	if err != nil {
		return store.Mode{}, err
	}

	return res.Value, res.Err
}

func (h ModeHandle) DeleteMode(ctx context.Context, uid string) error {
	msg := modeDeleteMsg{uid: uid, reply: NewReply[error]()}
	if err := Send(ctx, h.ch, modeMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}

func (h ModeHandle) Activate(ctx context.Context, uid string) error {
	msg := modeActivateMsg{uid: uid, reply: NewReply[error]()}
	if err := Send(ctx, h.ch, modeMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}

// ActiveMode returns the UID of the most recently activated mode, or
// an empty string when none is active.
func (h ModeHandle) ActiveMode(ctx context.Context) (string, error) {
	msg := modeActiveMsg{reply: NewReply[string]()}
	if err := Send(ctx, h.ch, modeMessage(msg)); err != nil {
		return "", err
	}

	return Await(ctx, msg.reply)
}
