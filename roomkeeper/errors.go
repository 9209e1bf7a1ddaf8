package roomkeeper

import (
	"errors"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"net/http"
)

var (
	// ErrNotFound indicates a room, guild config or pending response
	// doesn't exist. Absence is usually a valid state, so callers
	// typically match it with errors.Is and move on.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyOwnsRoom is returned when creating a second room for
	// an owner in the same guild
	ErrAlreadyOwnsRoom = errors.New("member already owns a room")

	// ErrChannelGone is returned by platform calls against a channel that
	// no longer exists
	ErrChannelGone = errors.New("channel no longer exists")

	// ErrIDGenerationExhausted is returned when no unused room ID could be
	// generated within the configured number of attempts
	ErrIDGenerationExhausted = errors.New("unable to generate unique room id")

	ErrPrivateRoomsDisabled = errors.New("private rooms are not enabled in this guild")
	ErrPrivateRoomsEnabled  = errors.New("private rooms are already enabled in this guild")

	// ErrSettingDisabled is returned when a member tries to change a room
	// setting the guild doesn't allow members to change
	ErrSettingDisabled = errors.New("this setting is disabled in this guild")

	ErrInvalidName  = errors.New("room name must be at most 20 characters")
	ErrInvalidLimit = errors.New("user limit must be a number between 0 and 99")
	ErrNotOwner     = errors.New("you don't own a private room")
)

// notFound maps gorm's not found error to ErrNotFound
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// channelGone maps discord's unknown channel/404 errors to ErrChannelGone,
// keeping the original error in the chain
func channelGone(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel {
			return errors.Join(ErrChannelGone, err)
		}
		if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
			return errors.Join(ErrChannelGone, err)
		}
	}
	return err
}

// ignoreGone returns nil if err indicates the channel is already gone
func ignoreGone(err error) error {
	if errors.Is(err, ErrChannelGone) {
		return nil
	}
	return err
}
