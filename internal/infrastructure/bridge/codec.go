package bridge

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/davidleathers/space-broker/internal/domain/space"
)

// encMode uses Core Deterministic Encoding: the same envelope always
// produces the same bytes on every node.
var encMode cbor.EncMode

// decMode decodes any-typed values (metadata) into map[string]any so they
// stay usable by encoding/json on the way to clients.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is one record of a space log.
type Envelope struct {
	// Origin is the node id that forwarded the mutation.
	Origin   string         `cbor:"origin"`
	SentAt   int64          `cbor:"sentAt"`
	Mutation space.Mutation `cbor:"mutation"`
}

// Encode serializes a mutation forwarded by origin.
func Encode(origin string, m space.Mutation) ([]byte, error) {
	data, err := encMode.Marshal(Envelope{
		Origin:   origin,
		SentAt:   time.Now().UnixMilli(),
		Mutation: m,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", m.Kind, err)
	}
	return data, nil
}

// Decode parses a log record.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Mutation.Kind == "" || env.Mutation.Space == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind or space")
	}
	return env, nil
}
