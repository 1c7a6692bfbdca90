/*
File Name:  common.go
Copyright:  2024 Fluxon Contributors

Three repositories (Chat, Location, Emergency) share one pattern: subscribe
to the relay engine's inbound stream, filter by packet type, group-decrypt,
decode via protocol, and surface on an outbound stream -- plus the reverse
encode/encrypt/broadcast path for sends. This file holds what is common to
all three: the capped-history eviction discipline and a shared nowMillis
clock hook so tests can control time without touching the wall clock.
*/
package repository

import "time"

// MaxHistory bounds every repository's in-memory list so a flood cannot
// grow memory unboundedly (spec §4.6, chat and emergency both cap at 200).
const MaxHistory = 200

// appendCapped appends item to list, evicting the oldest entries once the
// list exceeds max so the most recent max entries are always retained.
func appendCapped[T any](list []T, item T, max int) []T {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
