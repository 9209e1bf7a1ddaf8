// Package roomkeeper implements a Discord bot that manages temporary,
// member-owned private voice rooms.
//
// Once private rooms are enabled in a guild, the bot creates a category
// holding a creation channel and a settings channel. A member who joins
// the creation channel gets a voice room of their own, and is moved into
// it. When the owner leaves, ownership passes to another member still in
// the room. The room is deleted once no humans remain.
//
// Owners change their room from the settings channel, by reacting to the
// bot's panels:
//
//   - Lock and unlock the room. Locked rooms get a waiting channel, from
//     which the owner can drag members in.
//   - Hide the room from members who can't already see it.
//   - Rename the room, or set its member limit, by typing a value when
//     prompted.
//   - Name the room after the game most of its members are playing.
//
// Key components of the package include:
//
//   - RoomKeeper: wires configuration, the database, the Discord session,
//     the admin API and the optional interaction webhook together.
//   - Controller: the room lifecycle and the per-room settings.
//   - Mediator: waits for prompted replies, which may be received
//     by another instance sharing the database.
//   - Notifier: signals other instances over postgres LISTEN/NOTIFY or
//     redis pub/sub.
//   - API: admin endpoints for guild configuration, rooms and the
//     runtime config.
//
// Guild admins enable and tune private rooms with the /privaterooms and
// /staffrole slash commands. Owners can also use /room in place of the
// settings panels.
package roomkeeper
