package cogs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ffrace-go/race"
	"ffrace-go/utils"

	"github.com/bwmarrin/discordgo"
)

// UserCog handles the economy and preset commands that live outside a
// specific race lifecycle.
type UserCog struct {
	svc   *race.Service
	seeds *utils.SeedGenerator
	ctx   context.Context
}

func NewUserCog(ctx context.Context, svc *race.Service, seeds *utils.SeedGenerator) *UserCog {
	return &UserCog{svc: svc, seeds: seeds, ctx: ctx}
}

func (c *UserCog) Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "wager",
			Description: "Wager shards on the current race",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "amount",
					Description: "Number of shards to add to your stake",
					Required:    true,
				},
			},
		},
		{
			Name:        "userdetails",
			Description: "Show a user's shards balance and race record",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "User to look up (defaults to you)",
					Required:    false,
				},
			},
		},
		{
			Name:        "addpreset",
			Description: "Save a flagstring as a named preset",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "randomizer",
					Description: "Randomizer the preset belongs to",
					Required:    true,
					Choices:     variantChoices(),
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "Preset name",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "flags",
					Description: "Full flagstring to store",
					Required:    true,
				},
			},
		},
		{
			Name:        "listpresets",
			Description: "List saved presets for a randomizer",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "randomizer",
					Description: "Randomizer to list presets for",
					Required:    true,
					Choices:     variantChoices(),
				},
			},
		},
	}
}

func (c *UserCog) OnInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	if i.Type != discordgo.InteractionApplicationCommand {
		return false
	}
	switch i.ApplicationCommandData().Name {
	case "wager":
		c.handleWager(s, i)
	case "userdetails":
		c.handleUserDetails(s, i)
	case "addpreset":
		c.handleAddPreset(s, i)
	case "listpresets":
		c.handleListPresets(s, i)
	default:
		return false
	}
	return true
}

func (c *UserCog) handleWager(s *discordgo.Session, i *discordgo.InteractionCreate) {
	amount := optionInt(i, "amount")
	res, err := c.svc.PlaceWager(c.ctx, i.ChannelID, utils.InteractionUserID(i), amount)
	if err != nil {
		replyError(s, i, err)
		return
	}
	_ = utils.RespondText(s, i, fmt.Sprintf(
		"💰 %s wagered **%d** shards (total stake: **%d**).\n🏦 Pot is now **%d** shards. Your balance: **%d**.",
		utils.InteractionUserName(i), res.Amount, res.TotalStake, res.Pot, res.Balance), false)
}

func (c *UserCog) handleUserDetails(s *discordgo.Session, i *discordgo.InteractionCreate) {
	targetID := utils.InteractionUserID(i)
	targetName := utils.InteractionUserName(i)
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "user" && opt.Type == discordgo.ApplicationCommandOptionUser {
			if user := opt.UserValue(s); user != nil {
				targetID = user.ID
				targetName = user.Username
			}
		}
	}
	acct := c.svc.Ledger.Account(c.ctx, targetID)

	var b strings.Builder
	fmt.Fprintf(&b, "💎 Shards: **%d**\n", acct.Shards)
	for _, variant := range race.Variants {
		joined := acct.RacesJoined[variant]
		won := acct.RacesWon[variant]
		if joined == 0 && won == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %d joined, %d won\n", variant, joined, won)
	}

	embed := utils.CreateBrandedEmbed(
		fmt.Sprintf("Race record for %s", targetName),
		b.String())
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
}

func (c *UserCog) handleAddPreset(s *discordgo.Session, i *discordgo.InteractionCreate) {
	variant := optionString(i, "randomizer")
	name := optionString(i, "name")
	flags := optionString(i, "flags")
	if err := c.seeds.AddPreset(variant, name, flags); err != nil {
		replyError(s, i, err)
		return
	}
	_ = utils.RespondText(s, i, fmt.Sprintf("✅ Preset `%s` saved for %s.", name, variant), true)
}

func (c *UserCog) handleListPresets(s *discordgo.Session, i *discordgo.InteractionCreate) {
	variant := optionString(i, "randomizer")
	presets, err := c.seeds.LoadPresets(variant)
	if err != nil {
		replyError(s, i, err)
		return
	}
	if len(presets) == 0 {
		_ = utils.RespondText(s, i, fmt.Sprintf("No presets saved for %s yet.", variant), true)
		return
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	_ = utils.RespondText(s, i, fmt.Sprintf("Presets for %s: `%s`", variant, strings.Join(names, "`, `")), true)
}
