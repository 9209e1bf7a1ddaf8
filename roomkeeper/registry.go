package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
)

// RoomRegistry tracks active rooms, and enforces one room per owner
// per guild. It never touches platform channels.
type RoomRegistry struct {
	db         DBI
	idAttempts int
	newID      func() (string, error)
}

func newRoomRegistry(db DBI, idAttempts int) *RoomRegistry {
	if idAttempts < 1 {
		idAttempts = DefaultRoomsIDAttempts
	}
	return &RoomRegistry{
		db:         db,
		idAttempts: idAttempts,
		newID: func() (string, error) {
			return generateRandomHexString(roomIDLength)
		},
	}
}

// GenerateID returns a room ID not used by any live or deleted room.
// It gives up with ErrIDGenerationExhausted after the configured number
// of attempts.
func (r *RoomRegistry) GenerateID(ctx context.Context) (string, error) {
	for i := 0; i < r.idAttempts; i++ {
		id, err := r.newID()
		if err != nil {
			return "", err
		}
		taken, err := r.db.RoomIDTaken(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrIDGenerationExhausted, r.idAttempts)
}

// Create persists the room and its settings, generating an ID if the
// room doesn't have one. ErrAlreadyOwnsRoom is returned if the owner
// already has a room in the guild.
func (r *RoomRegistry) Create(ctx context.Context, room *Room) error {
	if _, err := r.FindByOwner(ctx, room.GuildID, room.OwnerID); err == nil {
		return ErrAlreadyOwnsRoom
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if room.ID == "" {
		id, err := r.GenerateID(ctx)
		if err != nil {
			return err
		}
		room.ID = id
	}

	err := r.db.InsertRoom(ctx, room)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race with another create for the same owner
		if _, e := r.FindByOwner(ctx, room.GuildID, room.OwnerID); e == nil {
			return ErrAlreadyOwnsRoom
		}
	}
	return err
}

func (r *RoomRegistry) FindByOwner(ctx context.Context, guildID, ownerID string) (*Room, error) {
	return r.db.RoomByOwner(ctx, guildID, ownerID)
}

// FindByChannel looks up a room by one of its channels
func (r *RoomRegistry) FindByChannel(
	ctx context.Context,
	guildID string,
	channelID string,
	kind ChannelKind,
) (*Room, error) {
	return r.db.RoomByChannel(ctx, guildID, channelID, kind)
}

func (r *RoomRegistry) Get(ctx context.Context, roomID string) (*Room, error) {
	return r.db.Room(ctx, roomID)
}

// Delete removes the room record and its settings. It reports whether
// the room existed.
func (r *RoomRegistry) Delete(ctx context.Context, room Room) (bool, error) {
	return r.db.RemoveRoom(ctx, room.ID)
}

// List returns the rooms in a guild, or all rooms if guildID is empty
func (r *RoomRegistry) List(ctx context.Context, guildID string) ([]Room, error) {
	return r.db.Rooms(ctx, guildID)
}
