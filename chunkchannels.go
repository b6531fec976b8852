package main

import (
	"strconv"
	"strings"
)

// Subject naming for the replication bridge. Grounded on the teacher's
// hierarchical NATS subject convention (odin.token.<symbol>.<event>), here
// retargeted from string channel names to numeric chunk ids.
const (
	replicationSubjectPrefix   = "bitmap.chunk."
	replicationSubjectSuffix   = ".delta"
	replicationSubjectWildcard = replicationSubjectPrefix + "*" + replicationSubjectSuffix
)

// chunkDeltaSubject builds the subject a given chunk's deltas publish to.
func chunkDeltaSubject(chunk uint32) string {
	var b strings.Builder
	b.Grow(len(replicationSubjectPrefix) + 10 + len(replicationSubjectSuffix))
	b.WriteString(replicationSubjectPrefix)
	b.WriteString(strconv.FormatUint(uint64(chunk), 10))
	b.WriteString(replicationSubjectSuffix)
	return b.String()
}

// parseChunkFromSubject extracts the chunk id from a subject published by
// chunkDeltaSubject, returning ok=false for anything else (e.g. a subject
// from a future, differently-shaped publisher).
func parseChunkFromSubject(subject string) (chunk uint32, ok bool) {
	if len(subject) < len(replicationSubjectPrefix)+len(replicationSubjectSuffix) {
		return 0, false
	}
	if !strings.HasPrefix(subject, replicationSubjectPrefix) || !strings.HasSuffix(subject, replicationSubjectSuffix) {
		return 0, false
	}
	middle := subject[len(replicationSubjectPrefix) : len(subject)-len(replicationSubjectSuffix)]
	n, err := strconv.ParseUint(middle, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
