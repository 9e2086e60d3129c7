package cogs

import (
	"context"
	"fmt"
	"log"

	"ffrace-go/race"
	"ffrace-go/utils"

	"github.com/bwmarrin/discordgo"
)

// Rooms provisions and tears down the Discord channels backing a race:
// the private race room, its spoiler room, and the announcement post.
type Rooms struct {
	cfg *utils.Config
}

// NewRooms builds the room provisioner.
func NewRooms(cfg *utils.Config) *Rooms {
	return &Rooms{cfg: cfg}
}

// CreateRaceRoom creates the private race channel under the configured
// category, hidden from everyone except the creator.
func (r *Rooms) CreateRaceRoom(s *discordgo.Session, guildID, name, creatorID string) (*discordgo.Channel, error) {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   guildID, // @everyone role shares the guild id
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    creatorID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages,
		},
	}
	channel, err := s.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             r.cfg.RaceCategoryID,
		PermissionOverwrites: overwrites,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create race room %s: %w", name, err)
	}
	return channel, nil
}

// GrantAccess lets the user view and talk in the channel.
func (r *Rooms) GrantAccess(s *discordgo.Session, channelID, userID string) error {
	return s.ChannelPermissionSet(channelID, userID, discordgo.PermissionOverwriteTypeMember,
		discordgo.PermissionViewChannel|discordgo.PermissionSendMessages, 0)
}

// GetOrCreateSpoilerRoom returns the race's spoiler channel, creating
// it on first use and remembering its id on the session. Finished
// runners are granted access so they can talk freely without spoiling
// the room for racers still going.
func (r *Rooms) GetOrCreateSpoilerRoom(s *discordgo.Session, svc *race.Service, guildID, raceChannelID string) (string, error) {
	sess, err := svc.Store.Get(raceChannelID)
	if err != nil {
		return "", err
	}
	if sess.SpoilersChannelID != "" {
		return sess.SpoilersChannelID, nil
	}

	channel, err := r.CreateRaceRoom(s, guildID, sess.Name+"-spoilers", sess.CreatorID)
	if err != nil {
		return "", err
	}
	err = svc.Store.With(context.Background(), raceChannelID, func(inner *race.Session) error {
		inner.SpoilersChannelID = channel.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return channel.ID, nil
}

// RoomCleaner implements race.RoomCleaner over the live Discord
// session. Deletions are best-effort: a channel that is already gone
// must not keep the session alive forever.
type RoomCleaner struct {
	Session *discordgo.Session
}

func (c *RoomCleaner) CleanupSession(ctx context.Context, sess *race.Session) {
	if c.Session == nil {
		return
	}
	if _, err := c.Session.ChannelDelete(sess.ChannelID, discordgo.WithContext(ctx)); err != nil {
		log.Printf("Failed to delete race channel %s: %v", sess.ChannelID, err)
	}
	if sess.SpoilersChannelID != "" {
		if _, err := c.Session.ChannelDelete(sess.SpoilersChannelID, discordgo.WithContext(ctx)); err != nil {
			log.Printf("Failed to delete spoilers channel %s: %v", sess.SpoilersChannelID, err)
		}
	}
	if sess.AnnounceChannelID != "" && sess.AnnounceMessageID != "" {
		if err := c.Session.ChannelMessageDelete(sess.AnnounceChannelID, sess.AnnounceMessageID, discordgo.WithContext(ctx)); err != nil {
			log.Printf("Failed to delete announcement message %s: %v", sess.AnnounceMessageID, err)
		}
	}
}
