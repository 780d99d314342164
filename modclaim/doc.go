// Package modclaim implements a Discord bot that lets support staff claim
// modmail threads, so each ticket has a clear owner.
//
// Staff claim a thread with /claim, and other staff are kept from
// replying to it until they're added as claimers, or the claim is
// released with /unclaim. Moderators can reassign a thread with
// /forceclaim, or reply regardless of claims with /overridereply.
//
// Key components of the package:
//
//   - ModClaim: wires everything below to the discord session.
//   - ClaimStore: persists claim records and per-guild config, backed by
//     the bot's own database (gorm), redis or MongoDB.
//   - ClaimPolicy: decides who may claim, unclaim, force-claim or reply.
//   - NotificationDispatcher: announces claim changes to staff channels,
//     thread recipients and the claim event audit log.
//   - CleanupSweeper: removes claim records for threads that were closed.
//   - API: an admin HTTP API for setup, claim management and settings.
//
// Each guild sets a claim limit (/claim_limit) before claims are
// allowed, and may exempt roles from that limit (/claim_bypass).
package modclaim
