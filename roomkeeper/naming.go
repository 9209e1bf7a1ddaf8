package roomkeeper

import (
	"sort"
)

const (
	ownerGameWeight  = 1.5
	memberGameWeight = 1.0
	gameNamePrefix   = "Playing "
)

// Member is a guild member as seen by the room controller
type Member struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Bot    bool   `json:"bot"`

	// Game is the name of the game the member is playing, if any
	Game string `json:"game,omitempty"`
}

// dominantGame returns the game with the highest weighted vote among
// the non-bot members. The owner's vote counts 1.5x. Ties go to the
// owner's game, then the lexicographically smallest name.
func dominantGame(ownerID string, members []Member) (string, bool) {
	votes := map[string]float64{}
	ownerGame := ""
	for _, m := range members {
		if m.Bot || m.Game == "" {
			continue
		}
		if m.UserID == ownerID {
			votes[m.Game] += ownerGameWeight
			ownerGame = m.Game
		} else {
			votes[m.Game] += memberGameWeight
		}
	}
	if len(votes) == 0 {
		return "", false
	}

	games := make([]string, 0, len(votes))
	for g := range votes {
		games = append(games, g)
	}
	sort.Slice(
		games, func(i, j int) bool {
			a, b := games[i], games[j]
			if votes[a] != votes[b] {
				return votes[a] > votes[b]
			}
			if a == ownerGame || b == ownerGame {
				return a == ownerGame
			}
			return a < b
		},
	)
	return games[0], true
}

// deriveRoomName returns the display name for a room: the dominant game
// when game activity is on and anyone's playing, otherwise the custom
// name, otherwise the guild's default name for the owner.
func deriveRoomName(room Room, cfg GuildConfig, ownerName string, members []Member) string {
	if room.Settings.GameActivity {
		if game, ok := dominantGame(room.OwnerID, members); ok {
			return truncate(gameNamePrefix+game, discordMaxChannelNameLength)
		}
	}
	if room.Settings.CustomName != "" {
		return room.Settings.CustomName
	}
	return truncate(cfg.renderName(ownerName), discordMaxChannelNameLength)
}
