package gptcord

import (
	"github.com/bwmarrin/discordgo"
)

const (
	permissionsOK      = "Bot has permission to read messages and message history."
	permissionsMissing = "Bot is missing necessary permissions in this channel."

	requiredChannelPermissions = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory
)

// checkPermissions reports whether the bot can read the channel the
// interaction came from, which follow-up messages depend on.
func (b *Bot) checkPermissions(i *discordgo.InteractionCreate, _ PermissionsParams) string {
	if i.AppPermissions&requiredChannelPermissions == requiredChannelPermissions {
		return permissionsOK
	}
	return permissionsMissing
}
