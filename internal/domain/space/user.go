package space

import (
	"fmt"
	"slices"
	"strings"
)

// SpaceUser is the presence record of one user inside a space.
type SpaceUser struct {
	ID                 int64    `json:"id" cbor:"id" validate:"gt=0"`
	UUID               string   `json:"uuid,omitempty" cbor:"uuid,omitempty"`
	Name               string   `json:"name" cbor:"name"`
	PlayURI            string   `json:"playUri,omitempty" cbor:"playUri,omitempty"`
	Color              string   `json:"color,omitempty" cbor:"color,omitempty"`
	CharacterTextures  []string `json:"characterTextures,omitempty" cbor:"characterTextures,omitempty"`
	Tags               []string `json:"tags,omitempty" cbor:"tags,omitempty"`
	AvailabilityStatus int32    `json:"availabilityStatus,omitempty" cbor:"availabilityStatus,omitempty"`
	IsLogged           bool     `json:"isLogged,omitempty" cbor:"isLogged,omitempty"`
	RoomName           string   `json:"roomName,omitempty" cbor:"roomName,omitempty"`
	VisitCardURL       string   `json:"visitCardUrl,omitempty" cbor:"visitCardUrl,omitempty"`
	CameraState        bool     `json:"cameraState,omitempty" cbor:"cameraState,omitempty"`
	MicrophoneState    bool     `json:"microphoneState,omitempty" cbor:"microphoneState,omitempty"`
	ScreenSharingState bool     `json:"screenSharingState,omitempty" cbor:"screenSharingState,omitempty"`
	MegaphoneState     bool     `json:"megaphoneState,omitempty" cbor:"megaphoneState,omitempty"`
	JitsiParticipantID string   `json:"jitsiParticipantId,omitempty" cbor:"jitsiParticipantId,omitempty"`
}

// Clone returns a deep copy; slices are not shared with the receiver.
func (u SpaceUser) Clone() SpaceUser {
	u.CharacterTextures = slices.Clone(u.CharacterTextures)
	u.Tags = slices.Clone(u.Tags)
	return u
}

// HasTag reports whether the user carries the given role tag.
func (u SpaceUser) HasTag(tag string) bool {
	return slices.Contains(u.Tags, tag)
}

// Field identifies one mergeable SpaceUser attribute in a partial update.
type Field string

const (
	FieldUUID               Field = "uuid"
	FieldName               Field = "name"
	FieldPlayURI            Field = "playUri"
	FieldColor              Field = "color"
	FieldCharacterTextures  Field = "characterTextures"
	FieldTags               Field = "tags"
	FieldAvailabilityStatus Field = "availabilityStatus"
	FieldIsLogged           Field = "isLogged"
	FieldRoomName           Field = "roomName"
	FieldVisitCardURL       Field = "visitCardUrl"
	FieldCameraState        Field = "cameraState"
	FieldMicrophoneState    Field = "microphoneState"
	FieldScreenSharingState Field = "screenSharingState"
	FieldMegaphoneState     Field = "megaphoneState"
	FieldJitsiParticipantID Field = "jitsiParticipantId"
)

// FieldMask lists the fields a partial update carries.
type FieldMask []Field

// ParseFieldMask converts wire field identifiers, rejecting unknown ones.
func ParseFieldMask(paths []string) (FieldMask, error) {
	mask := make(FieldMask, 0, len(paths))
	for _, p := range paths {
		f := Field(p)
		if !f.valid() {
			return nil, ErrUnknownField.WithDetails(map[string]interface{}{"field": p})
		}
		mask = append(mask, f)
	}
	return mask, nil
}

// Validate rejects masks naming fields outside the mergeable set.
func (m FieldMask) Validate() error {
	for _, f := range m {
		if !f.valid() {
			return ErrUnknownField.WithDetails(map[string]interface{}{"field": string(f)})
		}
	}
	return nil
}

// Has reports whether f is part of the mask.
func (m FieldMask) Has(f Field) bool {
	return slices.Contains(m, f)
}

func (f Field) valid() bool {
	switch f {
	case FieldUUID, FieldName, FieldPlayURI, FieldColor, FieldCharacterTextures, FieldTags,
		FieldAvailabilityStatus, FieldIsLogged, FieldRoomName, FieldVisitCardURL, FieldCameraState,
		FieldMicrophoneState, FieldScreenSharingState, FieldMegaphoneState, FieldJitsiParticipantID:
		return true
	}
	return false
}

// merge copies the masked fields of partial into dst. Slices are replaced wholesale.
func merge(dst *SpaceUser, partial SpaceUser, mask FieldMask) error {
	for _, f := range mask {
		switch f {
		case FieldUUID:
			dst.UUID = partial.UUID
		case FieldName:
			dst.Name = partial.Name
		case FieldPlayURI:
			dst.PlayURI = partial.PlayURI
		case FieldColor:
			dst.Color = partial.Color
		case FieldCharacterTextures:
			dst.CharacterTextures = slices.Clone(partial.CharacterTextures)
		case FieldTags:
			dst.Tags = slices.Clone(partial.Tags)
		case FieldAvailabilityStatus:
			dst.AvailabilityStatus = partial.AvailabilityStatus
		case FieldIsLogged:
			dst.IsLogged = partial.IsLogged
		case FieldRoomName:
			dst.RoomName = partial.RoomName
		case FieldVisitCardURL:
			dst.VisitCardURL = partial.VisitCardURL
		case FieldCameraState:
			dst.CameraState = partial.CameraState
		case FieldMicrophoneState:
			dst.MicrophoneState = partial.MicrophoneState
		case FieldScreenSharingState:
			dst.ScreenSharingState = partial.ScreenSharingState
		case FieldMegaphoneState:
			dst.MegaphoneState = partial.MegaphoneState
		case FieldJitsiParticipantID:
			dst.JitsiParticipantID = partial.JitsiParticipantID
		default:
			return fmt.Errorf("merge field %q: %w", f, ErrUnknownField)
		}
	}
	return nil
}

// Member is a registry entry: the user record plus edge-local bookkeeping.
type Member struct {
	SpaceUser
	lowercaseName string
	// clientID is set only on the edge hosting the user's connection.
	clientID string
}

func newMember(u SpaceUser, clientID string) *Member {
	return &Member{
		SpaceUser:     u.Clone(),
		lowercaseName: strings.ToLower(u.Name),
		clientID:      clientID,
	}
}

// LowercaseName is the case-folded shadow of Name used by filters.
func (m *Member) LowercaseName() string { return m.lowercaseName }

// ClientID is the owning connection id, empty for users hosted elsewhere.
func (m *Member) ClientID() string { return m.clientID }

func (m *Member) clone() *Member {
	cp := *m
	cp.SpaceUser = m.SpaceUser.Clone()
	return &cp
}
