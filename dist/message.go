// Package dist implements the master/worker protocol that distributes
// test-prefix ranges across symbolic execution workers.
package dist

import (
	"fmt"
	"strings"
)

// Tag identifies a point-to-point protocol message.
type Tag int

const (
	TagStartPrefixTask   Tag = iota // master → worker: composite prefix to explore
	TagKill                         // master → worker: terminate immediately
	TagFinish                       // worker → master: frontier exhausted
	TagOffload                      // master → worker: surrender some work
	TagOffloadResp                  // worker → master: composite prefix or 'x'
	TagBugFound                     // worker → master: an error test was emitted
	TagReadyToOffload               // worker → master: frontier large enough to share
	TagNotReadyToOffload            // worker → master: frontier too small to share
	TagTimeout                      // master → worker: wall clock expired
)

var tagNames = [...]string{
	TagStartPrefixTask:   "START_PREFIX_TASK",
	TagKill:              "KILL",
	TagFinish:            "FINISH",
	TagOffload:           "OFFLOAD",
	TagOffloadResp:       "OFFLOAD_RESP",
	TagBugFound:          "BUG_FOUND",
	TagReadyToOffload:    "READY_TO_OFFLOAD",
	TagNotReadyToOffload: "NOT_READY_TO_OFFLOAD",
	TagTimeout:           "TIMEOUT",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", int(t))
}

// Message is one tagged point-to-point message.
type Message struct {
	From    int
	Tag     Tag
	Payload string
}

// OffloadFailed is the payload of an OFFLOAD_RESP carrying no work.
const OffloadFailed = "x"

// EncodeCompositePrefix packs a set of branch histories into the
// composite wire form `P0 ('-' Pi)*`: the longest common prefix of all
// histories followed by each history's private continuation.
func EncodeCompositePrefix(histories []string) string {
	if len(histories) == 0 {
		return ""
	}

	common := histories[0]
	for _, h := range histories[1:] {
		n := len(common)
		if len(h) < n {
			n = len(h)
		}
		i := 0
		for i < n && common[i] == h[i] {
			i++
		}
		common = common[:i]
	}

	var sb strings.Builder
	sb.WriteString(common)
	for _, h := range histories {
		sb.WriteByte('-')
		sb.WriteString(h[len(common):])
	}
	return sb.String()
}

// DecodeCompositePrefix unpacks a composite prefix into the full
// per-state prefixes. A message with no separator is a single prefix.
func DecodeCompositePrefix(composite string) []string {
	if composite == "" {
		return nil
	}
	parts := strings.Split(composite, "-")
	if len(parts) == 1 {
		return []string{parts[0]}
	}

	common := parts[0]
	prefixes := make([]string, 0, len(parts)-1)
	for _, suffix := range parts[1:] {
		prefixes = append(prefixes, common+suffix)
	}
	return prefixes
}
