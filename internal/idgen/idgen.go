// Package idgen generates the identifiers used across the control plane.
//
// IDs have the form <prefix>_<hex millisecond timestamp>_<8 base36 chars>,
// e.g. "ps_19a06b3fc21_k3j9x2mq". The embedded timestamp keeps IDs roughly
// sortable by creation time; the random tail makes them unique. Prefixes in
// use: "ps" transactions, "dsp" disputes, "rcv" recoveries, "mdt" mandates.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// New generates a fresh ID for the given entity prefix.
func New(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 22)
	b.WriteString(prefix)
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 16))
	b.WriteByte('_')
	b.WriteString(randBase36(8))
	return b.String()
}

// Hex generates a random hex string of the given byte length. Used for
// synthetic transaction hashes and webhook secrets.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func randBase36(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	out := make([]byte, n)
	for i, v := range b {
		out[i] = base36[int(v)%len(base36)]
	}
	return string(out)
}
