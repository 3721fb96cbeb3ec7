// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// Fingerprint computes a 4-byte FNV-1a hash of data. It is used to tag
// binary payloads and session descriptions in log lines so both peers can
// match them up; it is not a checksum the protocol relies on.
func Fingerprint(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}
