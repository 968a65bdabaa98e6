package actor

import (
	"context"

	"github.com/google/uuid"

	"codeberg.org/mutker/coolerd/internal/commander"
	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/processing"
	"codeberg.org/mutker/coolerd/internal/store"
)

const profileMailboxSize = 8

type profileMessage interface{ isProfileMessage() }

type profilesListMsg struct {
	reply chan Result[[]device.Profile]
}

type profileSaveMsg struct {
	profile device.Profile
	reply   chan Result[device.Profile]
}

type profileDeleteMsg struct {
	uid   string
	reply chan error
}

type functionsListMsg struct {
	reply chan Result[[]device.Function]
}

type functionSaveMsg struct {
	function device.Function
	reply    chan Result[device.Function]
}

type functionDeleteMsg struct {
	uid   string
	reply chan error
}

func (profilesListMsg) isProfileMessage()   {}
func (profileSaveMsg) isProfileMessage()    {}
func (profileDeleteMsg) isProfileMessage()  {}
func (functionsListMsg) isProfileMessage()  {}
func (functionSaveMsg) isProfileMessage()   {}
func (functionDeleteMsg) isProfileMessage() {}

// ProfileActor owns profile and function persistence. Saving a profile
// that is currently scheduled pushes the new definition into the
// scheduler without losing accumulated state; deleting one resets its
// channels to hardware defaults.
type ProfileActor struct {
	ch        chan profileMessage
	settings  *store.Store
	graph     *processing.GraphCommander
	step      *processing.StepCommander
	commander *commander.DeviceCommander
}

func NewProfileActor(
	settings *store.Store,
	graph *processing.GraphCommander,
	step *processing.StepCommander,
	cmd *commander.DeviceCommander,
) *ProfileActor {
	return &ProfileActor{
		ch:        make(chan profileMessage, profileMailboxSize),
		settings:  settings,
		graph:     graph,
		step:      step,
		commander: cmd,
	}
}

func (a *ProfileActor) Name() string { return "profile" }

func (a *ProfileActor) Receiver() <-chan profileMessage { return a.ch }

func (a *ProfileActor) HandleMessage(ctx context.Context, msg profileMessage) {
	switch m := msg.(type) {
	case profilesListMsg:
		profiles, err := a.settings.Profiles()
		m.reply <- Result[[]device.Profile]{Value: profiles, Err: err}
	case profileSaveMsg:
		m.reply <- a.saveProfile(m.profile)
	case profileDeleteMsg:
		m.reply <- a.deleteProfile(ctx, m.uid)
	case functionsListMsg:
		functions, err := a.settings.Functions()
		m.reply <- Result[[]device.Function]{Value: functions, Err: err}
	case functionSaveMsg:
		m.reply <- a.saveFunction(m.function)
	case functionDeleteMsg:
		m.reply <- a.settings.DeleteFunction(m.uid)
	}
}

func (a *ProfileActor) saveProfile(p device.Profile) Result[device.Profile] {
	if p.UID == "" {
		p.UID = uuid.NewString()
	}
	if p.UID == store.DefaultProfileUID && p.Type != device.ProfileDefault {
		return Result[device.Profile]{Err: errors.New().
			WithMessage(store.ErrProtected, "the default profile cannot be redefined")}
	}

	if err := a.settings.SaveProfile(p); err != nil {
		return Result[device.Profile]{Err: err}
	}

	a.rescheduleProfile(p)

	return Result[device.Profile]{Value: p}
}

// rescheduleProfile pushes an updated definition into both schedulers
// for every channel currently driven by it.
func (a *ProfileActor) rescheduleProfile(p device.Profile) {
	graphChannels := a.graph.ScheduledChannels(p.UID)
	stepChannels := a.step.ScheduledChannels(p.UID)

	if len(graphChannels) > 0 {
		fn, err := a.settings.FunctionByUID(p.FunctionUID)
		if err != nil {
			logger.Warn().Err(err).Str("profile", p.UID).Msg("Cannot reschedule updated profile")
		} else {
			for _, channel := range graphChannels {
				if err := a.graph.ScheduleSetting(channel, &p, fn); err != nil {
					logger.Warn().
						Err(err).
						Str("profile", p.UID).
						Str("channel", channel.ChannelName).
						Msg("Failed to reschedule updated profile")
				}
			}
		}
	}

	for _, channel := range stepChannels {
		if err := a.step.ScheduleSetting(channel, &p); err != nil {
			logger.Warn().
				Err(err).
				Str("profile", p.UID).
				Str("channel", channel.ChannelName).
				Msg("Failed to reschedule updated step profile")
		}
	}
}

func (a *ProfileActor) deleteProfile(ctx context.Context, uid string) error {
	channels := a.graph.ScheduledChannels(uid)
	channels = append(channels, a.step.ScheduledChannels(uid)...)

	if err := a.settings.DeleteProfile(uid); err != nil {
		return err
	}

	// Channels driven by the deleted profile fall back to hardware defaults.
	for _, channel := range channels {
		err := a.commander.SetSetting(ctx, channel.DeviceUID, device.Setting{
			ChannelName:    channel.ChannelName,
			ResetToDefault: true,
		})
		if err != nil {
			logger.Warn().
				Err(err).
				Str("channel", channel.ChannelName).
				Msg("Failed to reset channel of deleted profile")
		}
		if err := a.settings.DeleteChannelSetting(channel.DeviceUID, channel.ChannelName); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove persisted channel setting")
		}
	}

	return nil
}

func (a *ProfileActor) saveFunction(fn device.Function) Result[device.Function] {
	if fn.UID == "" {
		fn.UID = uuid.NewString()
	}
	if fn.UID == device.DefaultFunctionUID {
		return Result[device.Function]{Err: errors.New().
			WithMessage(store.ErrProtected, "the default function cannot be redefined")}
	}

	if err := a.settings.SaveFunction(fn); err != nil {
		return Result[device.Function]{Err: err}
	}

	// Scheduled profiles referencing the function pick up its new behavior.
	profiles, err := a.settings.Profiles()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list profiles after function update")
		return Result[device.Function]{Value: fn}
	}
	for i := range profiles {
		if profiles[i].FunctionUID == fn.UID {
			a.rescheduleProfile(profiles[i])
		}
	}

	return Result[device.Function]{Value: fn}
}

type ProfileHandle struct {
	ch chan<- profileMessage
}

func (a *ProfileActor) Handle() ProfileHandle {
	return ProfileHandle{ch: a.ch}
}

func (h ProfileHandle) Profiles(ctx context.Context) ([]device.Profile, error) {
	msg := profilesListMsg{reply: NewReply[Result[[]device.Profile]]()}
	if err := Send(ctx, h.ch, profileMessage(msg)); err != nil {
		return nil, err
	}

	res, err := Await(ctx, msg.reply)
	if err != nil {
		return nil, err
	}

	return res.Value, res.Err
}

func (h ProfileHandle) SaveProfile(ctx context.Context, p device.Profile) (device.Profile, error) {
	msg := profileSaveMsg{profile: p, reply: NewReply[Result[device.Profile]]()}
	if err := Send(ctx, h.ch, profileMessage(msg)); err != nil {
		return device.Profile{}, err
	}

	res, err := Await(ctx, msg.reply)
	if err != nil {
		return device.Profile{}, err
	}

	return res.Value, res.Err
}

func (h ProfileHandle) DeleteProfile(ctx context.Context, uid string) error {
	msg := profileDeleteMsg{uid: uid, reply: NewReply[error]()}
	if err := Send(ctx, h.ch, profileMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}

func (h ProfileHandle) Functions(ctx context.Context) ([]device.Function, error) {
	msg := functionsListMsg{reply: NewReply[Result[[]device.Function]]()}
	if err := Send(ctx, h.ch, profileMessage(msg)); err != nil {
		return nil, err
	}

	res, err := Await(ctx, msg.reply)
	if err != nil {
		return nil, err
	}

	return res.Value, res.Err
}

func (h ProfileHandle) SaveFunction(ctx context.Context, fn device.Function) (device.Function, error) {
	msg := functionSaveMsg{function: fn, reply: NewReply[Result[device.Function]]()}
	if err := Send(ctx, h.ch, profileMessage(msg)); err != nil {
		return device.Function{}, err
	}

	res, err := Await(ctx, msg.reply)
	if err != nil {
		return device.Function{}, err
	}

	return res.Value, res.Err
}

func (h ProfileHandle) DeleteFunction(ctx context.Context, uid string) error {
	msg := functionDeleteMsg{uid: uid, reply: NewReply[error]()}
	if err := Send(ctx, h.ch, profileMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}
