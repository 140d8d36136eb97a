package redisrepo

import "fmt"

const ns = "rafflego:v1"

func KeyRaffleTickets(raffleID int64) string {
	return fmt.Sprintf("%s:raffle:%d:tickets", ns, raffleID)
}

func KeyRateLimit(scope string) string {
	return fmt.Sprintf("%s:rl:%s", ns, scope)
}

func KeyIdemHold(raffleID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:holds:%d:%s", ns, raffleID, idemKey)
}

// ChannelRaffleFeed is the pub/sub channel carrying ticket changes of one raffle.
func ChannelRaffleFeed(raffleID int64) string {
	return fmt.Sprintf("%s:raffle:%d:feed", ns, raffleID)
}
