package wire

import (
	"errors"
	"reflect"
	"testing"

	"google.golang.org/grpc/encoding"
)

func TestFrameValidate(t *testing.T) {
	for name, f := range map[string]*Frame{
		"empty":    {},
		"nil":      nil,
		"two kind": {Join: &Join{}, Ack: &Ack{}},
	} {
		if err := f.Validate(); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
	if err := (&Frame{Deposit: &Deposit{TopicID: "t"}}).Validate(); err != nil {
		t.Fatalf("deposit frame rejected: %v", err)
	}
}

func TestFrameKind(t *testing.T) {
	cases := map[string]*Frame{
		KindJoin:    {Join: &Join{}},
		KindLeave:   {Leave: &Leave{}},
		KindDeposit: {Deposit: &Deposit{}},
		KindAck:     {Ack: &Ack{}},
		KindSwarm:   {Swarm: &Swarm{}},
		KindUnknown: {},
	}
	for want, f := range cases {
		if got := f.Kind(); got != want {
			t.Fatalf("kind: got %q, want %q", got, want)
		}
	}
}

func TestCodecRegisteredAndRoundTrips(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatalf("codec %q not registered", CodecName)
	}

	in := &Frame{Swarm: &Swarm{
		TopicID: "abc",
		Shards:  []ShardItem{{ID: "1", Data: []byte{0xde, 0xad}}, {ID: "2", Data: []byte("x")}},
	}}
	raw, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Frame
	if err := c.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, &out) {
		t.Fatalf("round trip mismatch: %+v", out.Swarm)
	}
	if out.Join != nil {
		t.Fatal("unset frame kinds must decode as nil")
	}
}
