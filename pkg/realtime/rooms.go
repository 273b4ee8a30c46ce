package realtime

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// GlobalRoomID addresses every client viewing url within classID. Browser
// clients derive the same value, so the md5 digest is part of the wire format.
func GlobalRoomID(url, classID string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:]) + ":" + classID
}

// SectionRoomID addresses the clients of one section.
func SectionRoomID(url, classID, sectionID string) string {
	return GlobalRoomID(url, classID) + ":" + sectionID
}

// SectionFromRoom extracts the section id from a section room under global.
func SectionFromRoom(global, room string) (string, bool) {
	rest, ok := strings.CutPrefix(room, global+":")
	if !ok || rest == "" || strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}
