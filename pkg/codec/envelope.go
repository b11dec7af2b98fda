package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
)

// Envelope is the wire frame around an encoded body.
type Envelope struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender,omitempty"`
	Type          string    `json:"type"`
	Codec         string    `json:"codec"`
	SentAt        time.Time `json:"sent_at"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// AckRequested asks every receiving bridge to acknowledge the message on
	// the sender's ack channel once its handlers succeeded.
	AckRequested  bool      `json:"ack,omitempty"`
	Body          []byte    `json:"body"`
}

// AckType is the envelope type of acknowledgements. Acks carry no body; the
// acknowledged message id is the correlation id.
const AckType = "redisbridge.ack"

// Target describes what a body decodes into: the stable type name carried in
// the envelope, the concrete Go type and the codec.
type Target struct {
	Name  string
	Type  reflect.Type
	Codec Codec
}

// Encode marshals msg with the target's codec and frames it. meta supplies
// ID, Sender, ReplyTo, CorrelationID, AckRequested and SentAt; Type, Codec
// and Body are filled in here.
func Encode(target Target, msg any, meta Envelope) ([]byte, error) {
	if target.Codec == nil || target.Type == nil {
		return nil, bridgeerrors.NewEncodingError(fmt.Sprintf("%T", msg), bridgeerrors.ErrUnregistered)
	}
	if got := reflect.TypeOf(msg); got != target.Type {
		return nil, bridgeerrors.NewEncodingError(fmt.Sprintf("%T", msg),
			fmt.Errorf("descriptor %q expects %s", target.Name, target.Type))
	}

	body, err := target.Codec.Marshal(msg)
	if err != nil {
		return nil, bridgeerrors.NewEncodingError(target.Type.String(), err)
	}

	meta.Type = target.Name
	meta.Codec = target.Codec.Name()
	meta.Body = body
	if meta.SentAt.IsZero() {
		meta.SentAt = time.Now().UTC()
	}

	out, err := json.Marshal(meta)
	if err != nil {
		return nil, bridgeerrors.NewEncodingError(target.Type.String(), err)
	}
	return out, nil
}

// Seal frames an envelope without a body, for control messages such as acks.
func Seal(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, bridgeerrors.NewEncodingError("", fmt.Errorf("envelope has no type"))
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, bridgeerrors.NewEncodingError(env.Type, err)
	}
	return out, nil
}

// Open parses the envelope of an inbound payload without touching the body.
func Open(channel string, payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, bridgeerrors.NewDecodingError(channel, "", fmt.Errorf("malformed envelope: %w", err))
	}
	if env.Type == "" {
		return Envelope{}, bridgeerrors.NewDecodingError(channel, "", fmt.Errorf("envelope has no type"))
	}
	return env, nil
}

// DecodeBody decodes env's body as target. The envelope's declared type and
// codec must match the target.
func DecodeBody(channel string, env Envelope, target Target) (any, error) {
	if env.Type != target.Name {
		return nil, bridgeerrors.NewDecodingError(channel, target.Name,
			fmt.Errorf("type mismatch: payload declares %q", env.Type))
	}
	if env.Codec != "" && env.Codec != target.Codec.Name() {
		return nil, bridgeerrors.NewDecodingError(channel, target.Name,
			fmt.Errorf("codec mismatch: payload uses %q, descriptor uses %q", env.Codec, target.Codec.Name()))
	}
	v, err := target.Codec.Unmarshal(env.Body, target.Type)
	if err != nil {
		return nil, bridgeerrors.NewDecodingError(channel, target.Name, err)
	}
	return v, nil
}

// Decode opens payload and decodes its body as target.
func Decode(channel string, payload []byte, target Target) (Envelope, any, error) {
	env, err := Open(channel, payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	v, err := DecodeBody(channel, env, target)
	if err != nil {
		return env, nil, err
	}
	return env, v, nil
}
