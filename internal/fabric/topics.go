package fabric

import "fmt"

// Channel name helpers. Subscribers use these exact destinations; the
// authorization hook pattern-matches on the /match/{id} and /user/{id}
// prefixes.

func MatchCandle(matchID string) string { return fmt.Sprintf("/match/%s/candle", matchID) }
func MatchTrade(matchID string) string  { return fmt.Sprintf("/match/%s/trade", matchID) }
func MatchState(matchID string) string  { return fmt.Sprintf("/match/%s/state", matchID) }
func MatchStarted(matchID string) string {
	return fmt.Sprintf("/match/%s/started", matchID)
}
func MatchFinished(matchID string) string {
	return fmt.Sprintf("/match/%s/finished", matchID)
}
func MatchError(matchID, userID string) string {
	return fmt.Sprintf("/match/%s/error/%s", matchID, userID)
}
func UserQueue(userID string) string { return fmt.Sprintf("/user/%s/match-found", userID) }
