package storage

// Package storage is the bot's source of truth.
//
// It persists:
//   - Registered users (profile fields + admin flag)
//   - Pending reminders (a row exists from creation until one completed
//     delivery attempt removes it; presence is the only state)
