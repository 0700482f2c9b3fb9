package tvclient

import (
	"math/rand/v2"
)

const idLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Session id prefixes.
const (
	prefixChart   = "cs_"
	prefixQuote   = "qs_"
	prefixHistory = "hs_"
	prefixReplay  = "rs_"
)

func genSessionID(prefix string) string {
	b := make([]byte, 12)
	for i := range b {
		b[i] = idLetters[rand.IntN(len(idLetters))]
	}
	return prefix + string(b)
}
