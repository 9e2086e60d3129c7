package cogs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ffrace-go/race"
	"ffrace-go/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// RaceCog owns the race command surface: slash command definitions,
// interaction dispatch, room provisioning, and the live countdown.
type RaceCog struct {
	svc   *race.Service
	seeds *utils.SeedGenerator
	rooms *Rooms
	cfg   *utils.Config

	// Cancelled at shutdown; in-flight countdowns watch it and are
	// abandoned without committing the start unless the final tick
	// was reached.
	ctx context.Context
}

// NewRaceCog wires the cog.
func NewRaceCog(ctx context.Context, svc *race.Service, seeds *utils.SeedGenerator, cfg *utils.Config) *RaceCog {
	return &RaceCog{
		svc:   svc,
		seeds: seeds,
		rooms: NewRooms(cfg),
		cfg:   cfg,
		ctx:   ctx,
	}
}

func variantChoices() []*discordgo.ApplicationCommandOptionChoice {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(race.Variants))
	for _, v := range race.Variants {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: v, Value: v})
	}
	return choices
}

// Commands returns every slash command this cog handles.
func (c *RaceCog) Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "newrace",
			Description: "Start a new race room",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "randomizer",
					Description: "Randomizer to use",
					Required:    true,
					Choices:     variantChoices(),
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "race_type",
					Description: "Live (everyone starts together) or async (individual start)",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Live", Value: string(race.ModeLive)},
						{Name: "Async", Value: string(race.ModeAsync)},
					},
				},
			},
		},
		{
			Name:        "joinrace",
			Description: "Join a race by its name",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "race_name",
					Description: "Name of the race you want to join",
					Required:    true,
				},
			},
		},
		{
			Name:        "watchrace",
			Description: "Gain access to watch a race without participating",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "race_name",
					Description: "Name of the race room you want to watch",
					Required:    true,
				},
			},
		},
		{
			Name:        "ready",
			Description: "Mark yourself as ready",
		},
		{
			Name:        "startrace",
			Description: "Start the race with a countdown",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "countdown_seconds",
					Description: "Number of seconds before the race starts (default: 10)",
					Required:    false,
				},
			},
		},
		{
			Name:        "startasync",
			Description: "Start an asynchronous race (only for async rooms)",
		},
		{
			Name:        "done",
			Description: "Mark yourself as done (live auto time, async manual time)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "time",
					Description: "(Async only) Your finish time in H:MM:SS format",
					Required:    false,
				},
			},
		},
		{
			Name:        "ff",
			Description: "Forfeit the current race",
		},
		{
			Name:        "undone",
			Description: "Revert your finish or forfeit",
		},
		{
			Name:        "quit",
			Description: "Leave race tracking but stay in the room",
		},
		{
			Name:        "finishasync",
			Description: "Finish and close the async race (creator only)",
		},
		{
			Name:        "rollseed",
			Description: "Generate a new seed",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionString,
					Name:         "flags_or_preset",
					Description:  "Preset name or full flagstring",
					Required:     false,
					Autocomplete: true,
				},
			},
		},
		{
			Name:        "submitseed",
			Description: "Record a manually generated seed for this race",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "url",
					Description: "Link to the seed",
					Required:    true,
				},
			},
		},
	}
}

// OnInteraction is the cog's single dispatch entry point.
func (c *RaceCog) OnInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return c.handleCommand(s, i)
	case discordgo.InteractionApplicationCommandAutocomplete:
		return c.handleAutocomplete(s, i)
	case discordgo.InteractionMessageComponent:
		return c.handleComponent(s, i)
	}
	return false
}

func (c *RaceCog) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	switch i.ApplicationCommandData().Name {
	case "newrace":
		c.handleNewRace(s, i)
	case "joinrace":
		c.handleJoinRace(s, i)
	case "watchrace":
		c.handleWatchRace(s, i)
	case "ready":
		c.handleReady(s, i)
	case "startrace":
		c.handleStartRace(s, i)
	case "startasync":
		c.handleStartAsync(s, i)
	case "done":
		c.handleDone(s, i)
	case "ff":
		c.handleForfeit(s, i)
	case "undone":
		c.handleUndone(s, i)
	case "quit":
		c.handleQuit(s, i)
	case "finishasync":
		c.handleFinishAsync(s, i)
	case "rollseed":
		c.handleRollSeed(s, i)
	case "submitseed":
		c.handleSubmitSeed(s, i)
	default:
		return false
	}
	return true
}

func (c *RaceCog) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	customID := i.MessageComponentData().CustomID
	switch {
	case strings.HasPrefix(customID, "race_join:"):
		c.joinRace(s, i, strings.TrimPrefix(customID, "race_join:"))
	case strings.HasPrefix(customID, "race_watch:"):
		c.watchRace(s, i, strings.TrimPrefix(customID, "race_watch:"))
	default:
		return false
	}
	return true
}

func (c *RaceCog) handleNewRace(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		replyError(s, i, errors.New("races can only be created inside a server"))
		return
	}
	variant := optionString(i, "randomizer")
	mode := race.Mode(optionString(i, "race_type"))
	userID := utils.InteractionUserID(i)

	name := raceRoomName(variant, mode)
	channel, err := c.rooms.CreateRaceRoom(s, i.GuildID, name, userID)
	if err != nil {
		replyError(s, i, err)
		return
	}

	if _, err := c.svc.CreateSession(c.ctx, channel.ID, name, variant, mode, userID); err != nil {
		if _, delErr := s.ChannelDelete(channel.ID); delErr != nil {
			log.Printf("Failed to delete orphaned race channel %s: %v", channel.ID, delErr)
		}
		replyError(s, i, err)
		return
	}

	_, _ = s.ChannelMessageSend(channel.ID, fmt.Sprintf(
		"🏁 Race **%s** created using **%s**!\n📌 Race type: **%s**", name, variant, mode))
	_ = utils.RespondText(s, i, fmt.Sprintf("✅ Race room `%s` created.", name), true)

	c.announceRace(s, channel.ID, name, variant, mode)
}

// announceRace posts the Join/Watch announcement and remembers the
// message so the reaper can delete it later. Failures never roll back
// the created race.
func (c *RaceCog) announceRace(s *discordgo.Session, channelID, name, variant string, mode race.Mode) {
	if c.cfg.AnnounceChannelID == "" {
		return
	}
	content := fmt.Sprintf("A new race room **%s** has been created!\nRandomizer: **%s** | Type: **%s**\nClick below to join or watch:",
		name, variant, mode)
	if c.cfg.RaceAlertRoleID != "" {
		content = fmt.Sprintf("<@&%s> %s", c.cfg.RaceAlertRoleID, content)
	}
	msg, err := s.ChannelMessageSendComplex(c.cfg.AnnounceChannelID, &discordgo.MessageSend{
		Content: content,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Join Race", Style: discordgo.SuccessButton, CustomID: "race_join:" + channelID},
				discordgo.Button{Label: "Watch Race", Style: discordgo.PrimaryButton, CustomID: "race_watch:" + channelID},
			}},
		},
	})
	if err != nil {
		log.Printf("Failed to announce race %s: %v", name, err)
		return
	}
	err = c.svc.Store.With(c.ctx, channelID, func(sess *race.Session) error {
		sess.AnnounceChannelID = c.cfg.AnnounceChannelID
		sess.AnnounceMessageID = msg.ID
		return nil
	})
	if err != nil {
		log.Printf("Failed to record announcement for race %s: %v", name, err)
	}
}

func (c *RaceCog) handleJoinRace(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := strings.ToLower(optionString(i, "race_name"))
	sess, err := c.svc.Store.FindByName(name)
	if err != nil {
		replyError(s, i, err)
		return
	}
	c.joinRace(s, i, sess.ChannelID)
}

func (c *RaceCog) joinRace(s *discordgo.Session, i *discordgo.InteractionCreate, channelID string) {
	userID := utils.InteractionUserID(i)
	if err := c.svc.Join(c.ctx, channelID, userID); err != nil {
		replyError(s, i, err)
		return
	}
	if err := c.rooms.GrantAccess(s, channelID, userID); err != nil {
		log.Printf("Failed to grant race room access to %s: %v", userID, err)
	}
	_, _ = s.ChannelMessageSend(channelID, fmt.Sprintf("👋 %s has joined the race!", utils.InteractionUserName(i)))
	_ = utils.RespondText(s, i, "✅ You have joined the race.", true)
}

func (c *RaceCog) handleWatchRace(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := strings.ToLower(optionString(i, "race_name"))
	sess, err := c.svc.Store.FindByName(name)
	if err != nil {
		replyError(s, i, err)
		return
	}
	c.watchRace(s, i, sess.ChannelID)
}

// watchRace grants room visibility without tracking the user as a
// racer. The only core effect is the activity stamp.
func (c *RaceCog) watchRace(s *discordgo.Session, i *discordgo.InteractionCreate, channelID string) {
	userID := utils.InteractionUserID(i)
	if err := c.rooms.GrantAccess(s, channelID, userID); err != nil {
		replyError(s, i, err)
		return
	}
	if err := c.svc.Touch(c.ctx, channelID); err != nil {
		log.Printf("Failed to stamp activity for race %s: %v", channelID, err)
	}
	_, _ = s.ChannelMessageSend(channelID, fmt.Sprintf("👋 %s is now watching the race.", utils.InteractionUserName(i)))
	_ = utils.RespondText(s, i, "👀 You can now view and chat in the race room.", true)
}

func (c *RaceCog) handleReady(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if err := c.svc.Ready(c.ctx, i.ChannelID, utils.InteractionUserID(i)); err != nil {
		replyError(s, i, err)
		return
	}
	_ = utils.RespondText(s, i, fmt.Sprintf("✅ %s is ready!", utils.InteractionUserName(i)), false)
}

func (c *RaceCog) handleStartRace(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := utils.InteractionUserID(i)
	sess, err := c.svc.Store.Get(i.ChannelID)
	if err != nil {
		replyError(s, i, err)
		return
	}
	if sess.Mode == race.ModeAsync {
		replyError(s, i, errors.New("this command is disabled for async races, use /startasync instead"))
		return
	}
	if err := c.svc.CheckStart(i.ChannelID, userID); err != nil {
		replyError(s, i, err)
		return
	}

	seconds := optionInt(i, "countdown_seconds")
	if seconds <= 0 {
		seconds = 10
	}
	_ = utils.RespondText(s, i, fmt.Sprintf("⏳ Countdown starting for **%d** seconds...", seconds), false)
	c.runCountdown(s, i.ChannelID, userID, int(seconds))
}

// runCountdown ticks down in the race channel, then commits the start.
// The commit happens only if the final tick is reached; a shutdown
// mid-countdown abandons the start entirely.
func (c *RaceCog) runCountdown(s *discordgo.Session, channelID, userID string, seconds int) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for n := seconds; n > 0; n-- {
			_, _ = s.ChannelMessageSend(channelID, fmt.Sprintf("%d...", n))
			select {
			case <-ticker.C:
			case <-c.ctx.Done():
				log.Printf("Countdown for race %s abandoned by shutdown", channelID)
				return
			}
		}
		if err := c.svc.Start(context.Background(), channelID, userID); err != nil {
			_, _ = s.ChannelMessageSend(channelID, "❌ "+userMessage(err))
			return
		}
		_, _ = s.ChannelMessageSend(channelID, "🏁 **GO!** The race has started!")
	}()
}

func (c *RaceCog) handleStartAsync(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess, err := c.svc.Store.Get(i.ChannelID)
	if err != nil {
		replyError(s, i, err)
		return
	}
	if sess.Mode != race.ModeAsync {
		replyError(s, i, errors.New("this command can only be used in asynchronous race rooms"))
		return
	}
	if err := c.svc.Start(c.ctx, i.ChannelID, utils.InteractionUserID(i)); err != nil {
		replyError(s, i, err)
		return
	}
	_ = utils.RespondText(s, i, "🕓 This asynchronous race is now marked as started.", false)
}

func (c *RaceCog) handleDone(s *discordgo.Session, i *discordgo.InteractionCreate) {
	c.complete(s, i, race.StatusDone, optionString(i, "time"))
}

func (c *RaceCog) handleForfeit(s *discordgo.Session, i *discordgo.InteractionCreate) {
	c.complete(s, i, race.StatusForfeit, "")
}

func (c *RaceCog) complete(s *discordgo.Session, i *discordgo.InteractionCreate, status race.RunnerStatus, manualTime string) {
	userID := utils.InteractionUserID(i)
	res, err := c.svc.Complete(c.ctx, i.ChannelID, userID, status, manualTime)
	if err != nil {
		replyError(s, i, err)
		return
	}

	c.grantSpoilerAccess(s, i.GuildID, i.ChannelID, userID)

	name := utils.InteractionUserName(i)
	switch status {
	case race.StatusDone:
		if res.FinishSeconds != nil {
			_ = utils.RespondText(s, i, fmt.Sprintf("🏁 %s has finished in **%s**!", name, race.FormatFinishTime(*res.FinishSeconds)), false)
		} else {
			_ = utils.RespondText(s, i, fmt.Sprintf("🏁 %s has finished!", name), false)
		}
	case race.StatusForfeit:
		_ = utils.RespondText(s, i, fmt.Sprintf("🏳️ %s has forfeited the race.", name), false)
	}

	if res.Finalized {
		c.announceResult(s, i.ChannelID, res.Final)
	}
}

func (c *RaceCog) grantSpoilerAccess(s *discordgo.Session, guildID, raceChannelID, userID string) {
	if guildID == "" {
		return
	}
	spoilersID, err := c.rooms.GetOrCreateSpoilerRoom(s, c.svc, guildID, raceChannelID)
	if err != nil {
		log.Printf("Failed to prepare spoiler room for race %s: %v", raceChannelID, err)
		return
	}
	if err := c.rooms.GrantAccess(s, spoilersID, userID); err != nil {
		log.Printf("Failed to grant spoiler room access to %s: %v", userID, err)
	}
}

func (c *RaceCog) announceResult(s *discordgo.Session, channelID string, res race.FinalizeResult) {
	if res.WinnerID == "" {
		_, _ = s.ChannelMessageSend(channelID, "🏁 Race finished! No finishers to award.")
		return
	}
	msg := fmt.Sprintf("🏁 Race finished! Winner: <@%s>", res.WinnerID)
	if res.Pot > 0 {
		msg += fmt.Sprintf("\n💰 Wager pot of **%d** shards paid out in full!", res.Pot)
	}
	_, _ = s.ChannelMessageSend(channelID, msg)
}

func (c *RaceCog) handleUndone(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if err := c.svc.Undo(c.ctx, i.ChannelID, utils.InteractionUserID(i)); err != nil {
		replyError(s, i, err)
		return
	}
	_ = utils.RespondText(s, i, fmt.Sprintf("↩️ %s is back in the race.", utils.InteractionUserName(i)), false)
}

func (c *RaceCog) handleQuit(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if err := c.svc.Quit(c.ctx, i.ChannelID, utils.InteractionUserID(i)); err != nil {
		replyError(s, i, err)
		return
	}
	_, _ = s.ChannelMessageSend(i.ChannelID, fmt.Sprintf("🚪 %s is no longer a tracked racer in this room.", utils.InteractionUserName(i)))
	_ = utils.RespondText(s, i, "✅ You are no longer a tracked racer but still have access.", true)
}

func (c *RaceCog) handleFinishAsync(s *discordgo.Session, i *discordgo.InteractionCreate) {
	res, err := c.svc.ForceFinalize(c.ctx, i.ChannelID, utils.InteractionUserID(i))
	if err != nil {
		replyError(s, i, err)
		return
	}
	if res.AlreadyFinalized {
		_ = utils.RespondText(s, i, "⚠️ This race is already finished.", true)
		return
	}
	if res.WinnerID == "" {
		_ = utils.RespondText(s, i, "🏁 Async race finished! No finishers to award.", false)
		return
	}
	msg := fmt.Sprintf("🏁 Async race finished! Winner: <@%s>", res.WinnerID)
	if res.Pot > 0 {
		msg += fmt.Sprintf("\n💰 Wager pot of **%d** shards paid out in full!", res.Pot)
	}
	_ = utils.RespondText(s, i, msg, false)
}

func (c *RaceCog) handleRollSeed(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := utils.InteractionUserID(i)
	sess, err := c.svc.Store.Get(i.ChannelID)
	if err != nil {
		replyError(s, i, err)
		return
	}
	if !sess.IsParticipant(userID) {
		replyError(s, i, fmt.Errorf("%w: you are not part of this race", race.ErrNotEligible))
		return
	}
	if !c.seeds.SupportsRolling(sess.Variant) {
		replyError(s, i, fmt.Errorf("/rollseed is disabled for %s, upload a seed with /submitseed instead", sess.Variant))
		return
	}

	// Seed APIs can take a while; defer and do the HTTP work outside
	// the session guard.
	if err := utils.DeferResponse(s, i, false); err != nil {
		return
	}
	flags := optionString(i, "flags_or_preset")
	label := flags
	if label == "" {
		label = "random"
	}

	genCtx, cancel := context.WithTimeout(c.ctx, 45*time.Second)
	defer cancel()
	seedURL, err := c.seeds.Generate(genCtx, sess.Variant, flags)
	if err != nil {
		log.Printf("Seed generation failed for race %s: %v", i.ChannelID, err)
		_, _ = utils.FollowupText(s, i, "⚠️ Failed to generate seed.")
		return
	}

	if err := c.svc.SetSeed(c.ctx, i.ChannelID, userID, seedURL); err != nil {
		replyFollowupError(s, i, err)
		return
	}
	msg, err := utils.FollowupText(s, i, fmt.Sprintf("🔀 Rolled seed using preset/flags: `%s`\n📎 Link: %s", label, seedURL))
	if err == nil && msg != nil {
		if pinErr := s.ChannelMessagePin(i.ChannelID, msg.ID); pinErr != nil {
			log.Printf("Failed to pin rolled seed message: %v", pinErr)
		}
	}
}

func (c *RaceCog) handleSubmitSeed(s *discordgo.Session, i *discordgo.InteractionCreate) {
	url := optionString(i, "url")
	if err := c.svc.SetSeed(c.ctx, i.ChannelID, utils.InteractionUserID(i), url); err != nil {
		replyError(s, i, err)
		return
	}
	_ = utils.RespondText(s, i, fmt.Sprintf("📎 Seed submitted: %s", url), false)
}

func (c *RaceCog) handleAutocomplete(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	data := i.ApplicationCommandData()
	if data.Name != "rollseed" {
		return false
	}
	sess, err := c.svc.Store.Get(i.ChannelID)
	if err != nil {
		return true
	}
	presets, err := c.seeds.LoadPresets(sess.Variant)
	if err != nil {
		return true
	}

	current := strings.ToLower(optionString(i, "flags_or_preset"))
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, 25)
	for name := range presets {
		if current != "" && !strings.Contains(strings.ToLower(name), current) {
			continue
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
		if len(choices) == 25 {
			break
		}
	}
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	})
	return true
}

// OnMessage re-stamps the activity clock whenever someone talks in a
// tracked race room, holding the reaper off.
func (c *RaceCog) OnMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if _, err := c.svc.Store.Get(m.ChannelID); err != nil {
		return
	}
	if err := c.svc.Touch(c.ctx, m.ChannelID); err != nil {
		log.Printf("Failed to stamp activity for race %s: %v", m.ChannelID, err)
	}
}

// raceRoomName builds the room name the way races are announced:
// randomizer, short hash, mode. Kept lowercase so the name survives
// Discord's channel-name folding and resolves by typed lookup.
func raceRoomName(variant string, mode race.Mode) string {
	hash := uuid.NewString()[:4]
	return fmt.Sprintf("%s-%s-%s", strings.ToLower(variant), hash, mode)
}

func optionString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

func optionInt(i *discordgo.InteractionCreate, name string) int64 {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionInteger {
			return opt.IntValue()
		}
	}
	return 0
}

// userMessage strips the sentinel prefix so replies read naturally.
func userMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{
		race.ErrNotFound, race.ErrNotEligible, race.ErrInvalidInput,
		race.ErrConflict, race.ErrInsufficientFunds, race.ErrPreconditionFailed,
	} {
		prefix := sentinel.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	if errors.Is(err, race.ErrNotFound) {
		return "no active race found in this channel"
	}
	return msg
}

func replyError(s *discordgo.Session, i *discordgo.InteractionCreate, err error) {
	_ = utils.RespondText(s, i, "❌ "+userMessage(err), true)
}

func replyFollowupError(s *discordgo.Session, i *discordgo.InteractionCreate, err error) {
	_, _ = utils.FollowupText(s, i, "❌ "+userMessage(err))
}
