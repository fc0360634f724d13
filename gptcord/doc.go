// Package gptcord implements a Discord bot that relays slash commands to
// OpenAI.
//
// Components:
//
//   - Bot: owns the discord session, the HTTP servers and the audit
//     database, and routes interactions to commands.
//   - Dispatcher: validates slash command options against their
//     declarations and produces typed CommandParameters.
//   - SessionStore: in-memory conversations, one per user per channel,
//     with turns for the same conversation run in arrival order.
//   - Gateway: the single outbound surface to OpenAI. OpenAI implements it
//     with go-openai for images and transcription, and REST calls for the
//     responses, speech and video endpoints.
//   - VideoPoller: waits on async video jobs within a wall-clock budget.
//   - Controls: the Regenerate, Pause, Resume and Stop buttons attached to
//     conversation replies.
//
// Commands:
//
//   - /converse: starts a conversation; follow-up messages in the same
//     channel continue it.
//   - /generate_image, /generate_video: image and video generation.
//   - /text_to_speech, /speech_to_text: speech synthesis and transcription.
//   - /check_permissions: reports whether the bot can read the channel.
package gptcord
