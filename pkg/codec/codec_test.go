package codec

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
)

type userLogin struct {
	UserID   string            `json:"user_id" msgpack:"user_id"`
	Attempts int               `json:"attempts" msgpack:"attempts"`
	Tags     []string          `json:"tags" msgpack:"tags"`
	Meta     map[string]string `json:"meta" msgpack:"meta"`
}

type node struct {
	Next *node
}

func TestRoundTrip(t *testing.T) {
	msg := userLogin{UserID: "u-1", Attempts: 3, Tags: []string{"a", "b"}, Meta: map[string]string{"ip": "10.0.0.1"}}

	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			target := Target{Name: "user.login", Type: reflect.TypeOf(msg), Codec: c}
			payload, err := Encode(target, msg, Envelope{ID: "id-1", Sender: "node-a"})
			require.NoError(t, err)

			env, got, err := Decode("user.login", payload, target)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
			assert.Equal(t, "id-1", env.ID)
			assert.Equal(t, "node-a", env.Sender)
			assert.Equal(t, c.Name(), env.Codec)
			assert.False(t, env.SentAt.IsZero())
		})
	}
}

func TestRoundTripPointerType(t *testing.T) {
	msg := &userLogin{UserID: "u-2"}
	target := Target{Name: "user.login", Type: reflect.TypeOf(msg), Codec: JSON{}}

	payload, err := Encode(target, msg, Envelope{ID: "x"})
	require.NoError(t, err)

	_, got, err := Decode("user.login", payload, target)
	require.NoError(t, err)
	require.IsType(t, &userLogin{}, got)
	assert.Equal(t, msg, got)
}

func TestRoundTripProto(t *testing.T) {
	msg := wrapperspb.String("hello")
	target := Target{Name: "greeting", Type: reflect.TypeOf(msg), Codec: Proto{}}

	payload, err := Encode(target, msg, Envelope{ID: "p"})
	require.NoError(t, err)

	_, got, err := Decode("greeting", payload, target)
	require.NoError(t, err)
	assert.True(t, proto.Equal(msg, got.(proto.Message)))
}

func TestProtoRejectsPlainStruct(t *testing.T) {
	target := Target{Name: "user.login", Type: reflect.TypeOf(userLogin{}), Codec: Proto{}}
	_, err := Encode(target, userLogin{}, Envelope{})
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsEncoding(err))
	assert.False(t, Proto{}.SupportsType(reflect.TypeOf(userLogin{})))
	assert.True(t, Proto{}.SupportsType(reflect.TypeOf(&wrapperspb.StringValue{})))
}

func TestEncodeErrors(t *testing.T) {
	t.Run("unregistered", func(t *testing.T) {
		_, err := Encode(Target{}, userLogin{}, Envelope{})
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsEncoding(err))
	})

	t.Run("wrong type", func(t *testing.T) {
		target := Target{Name: "user.login", Type: reflect.TypeOf(userLogin{}), Codec: JSON{}}
		_, err := Encode(target, "not a login", Envelope{})
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsEncoding(err))
	})

	t.Run("cyclic graph", func(t *testing.T) {
		n := &node{}
		n.Next = n
		target := Target{Name: "node", Type: reflect.TypeOf(n), Codec: JSON{}}
		_, err := Encode(target, n, Envelope{})
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsEncoding(err))
	})

	t.Run("unsupported field", func(t *testing.T) {
		type withChan struct{ C chan int }
		v := withChan{C: make(chan int)}
		target := Target{Name: "chan", Type: reflect.TypeOf(v), Codec: JSON{}}
		_, err := Encode(target, v, Envelope{})
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsEncoding(err))
	})
}

func TestDecodeErrors(t *testing.T) {
	target := Target{Name: "user.login", Type: reflect.TypeOf(userLogin{}), Codec: JSON{}}

	t.Run("malformed bytes", func(t *testing.T) {
		_, _, err := Decode("user.login", []byte("{not json"), target)
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsDecoding(err))
	})

	t.Run("missing type", func(t *testing.T) {
		_, _, err := Decode("user.login", []byte(`{"id":"1"}`), target)
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsDecoding(err))
	})

	t.Run("type mismatch", func(t *testing.T) {
		other := Target{Name: "invoice", Type: reflect.TypeOf(userLogin{}), Codec: JSON{}}
		payload, err := Encode(other, userLogin{UserID: "x"}, Envelope{})
		require.NoError(t, err)

		_, _, err = Decode("user.login", payload, target)
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsDecoding(err))
		assert.Contains(t, err.Error(), "type mismatch")
	})

	t.Run("codec mismatch", func(t *testing.T) {
		packed := Target{Name: "user.login", Type: reflect.TypeOf(userLogin{}), Codec: MsgPack{}}
		payload, err := Encode(packed, userLogin{UserID: "x"}, Envelope{})
		require.NoError(t, err)

		_, _, err = Decode("user.login", payload, target)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "codec mismatch")
	})

	t.Run("body rejects type", func(t *testing.T) {
		payload := []byte(`{"id":"1","type":"user.login","codec":"json","body":"WzEsMiwzXQ=="}`) // [1,2,3]
		_, _, err := Decode("user.login", payload, target)
		require.Error(t, err)
		assert.True(t, bridgeerrors.IsDecoding(err))
	})
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", NameJSON, NameMsgPack, NameProto} {
		c, err := ByName(name)
		require.NoError(t, err)
		assert.NotNil(t, c)
	}
	_, err := ByName("xml")
	assert.Error(t, err)
}

func TestSealAck(t *testing.T) {
	payload, err := Seal(Envelope{ID: "a-1", Sender: "node-b", Type: AckType, CorrelationID: "m-1"})
	require.NoError(t, err)

	env, err := Open("ack.node-a", payload)
	require.NoError(t, err)
	assert.Equal(t, AckType, env.Type)
	assert.Equal(t, "m-1", env.CorrelationID)
	assert.False(t, env.SentAt.IsZero())
	assert.Empty(t, env.Body)

	_, err = Seal(Envelope{ID: "x"})
	assert.True(t, bridgeerrors.IsEncoding(err))
}

func TestAckFlagSurvivesEncode(t *testing.T) {
	target := Target{Name: "user.login", Type: reflect.TypeOf(userLogin{}), Codec: JSON{}}
	payload, err := Encode(target, userLogin{UserID: "u"}, Envelope{ID: "1", AckRequested: true})
	require.NoError(t, err)

	env, err := Open("user.login", payload)
	require.NoError(t, err)
	assert.True(t, env.AckRequested)
}
