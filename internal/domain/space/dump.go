package space

import (
	"maps"
	"slices"
	"unicode/utf8"
)

// Dump is the operational view of a space. User names are redacted.
type Dump struct {
	Name         string     `json:"name"`
	LocalName    string     `json:"localName"`
	UserCount    int        `json:"userCount"`
	WatcherCount int        `json:"watcherCount"`
	MetadataKeys []string   `json:"metadataKeys"`
	Users        []DumpUser `json:"users"`
}

// DumpUser is a redacted registry entry.
type DumpUser struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Local              bool   `json:"local"`
	CameraState        bool   `json:"cameraState"`
	MicrophoneState    bool   `json:"microphoneState"`
	ScreenSharingState bool   `json:"screenSharingState"`
	MegaphoneState     bool   `json:"megaphoneState"`
}

// Dump snapshots the space for introspection.
func (s *Space) Dump() Dump {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := Dump{
		Name:         s.name,
		LocalName:    s.localName,
		UserCount:    s.users.Len(),
		WatcherCount: s.watchers.Len(),
		MetadataKeys: slices.Sorted(maps.Keys(s.metadata)),
		Users:        make([]DumpUser, 0, s.users.Len()),
	}
	s.users.each(func(m *Member) {
		d.Users = append(d.Users, DumpUser{
			ID:                 m.ID,
			Name:               RedactName(m.Name),
			Local:              m.clientID != "",
			CameraState:        m.CameraState,
			MicrophoneState:    m.MicrophoneState,
			ScreenSharingState: m.ScreenSharingState,
			MegaphoneState:     m.MegaphoneState,
		})
	})
	return d
}

// RedactName keeps the first rune of name and hides the rest, length included.
func RedactName(name string) string {
	if name == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(name)
	return string(r) + "***"
}
