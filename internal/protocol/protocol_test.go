package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"cloudrt/internal/raystate"
	"cloudrt/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		{Type: TypeHeartbeat, Payload: []byte(`{"worker_id":3}`)},
		{Type: TypeBye},
		{Type: TypeSendRays, Payload: bytes.Repeat([]byte{0xab}, 70000)},
	}
	for _, m := range msgs {
		require.NoError(t, WriteFrame(&buf, m))
	}

	for _, want := range msgs {
		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, len(want.Payload), len(got.Payload))
		assert.True(t, bytes.Equal(want.Payload, got.Payload))
	}

	_, err := ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Message{Type: TypeGetWorker, Payload: []byte("xy")}))
	assert.Equal(t, []byte{0, 0, 0, 3, byte(TypeGetWorker), 'x', 'y'}, buf.Bytes())
}

func TestReadFrame_Errors(t *testing.T) {
	frame := func(length uint32, body ...byte) *bytes.Reader {
		b := binary.BigEndian.AppendUint32(nil, length)
		return bytes.NewReader(append(b, body...))
	}

	_, err := ReadFrame(frame(2, 200, 0), 0)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = ReadFrame(frame(2, 0, 0), 0)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = ReadFrame(frame(0), 0)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ReadFrame(frame(1000, byte(TypeBye)), 0)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ReadFrame(frame(1<<20, byte(TypeSendRays)), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.True(t, IsProtocolError(err))
	assert.False(t, IsProtocolError(io.EOF))
	assert.True(t, IsProtocolError(fmt.Errorf("%w: GetObjects from a peer", ErrUnexpectedMessage)))
	assert.True(t, IsProtocolError(fmt.Errorf("%w: job context mismatch", ErrHandshake)))

	assert.ErrorIs(t, WriteFrame(io.Discard, Message{Type: 99}), ErrUnknownMessage)
}

func TestEncodeDecode(t *testing.T) {
	want := TreeletOwnership{Treelet: 12, WorkerID: 4, Address: "10.0.0.4:9000"}
	msg, err := Encode(TypeTreeletOwnership, want)
	require.NoError(t, err)
	assert.Equal(t, TypeTreeletOwnership, msg.Type)

	var got TreeletOwnership
	require.NoError(t, Decode(msg, &got))
	assert.Equal(t, want, got)

	err = Decode(Message{Type: TypeGetWorker, Payload: []byte("{not json")}, &got)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Encode(MessageType(0), want)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "SendRays", TypeSendRays.String())
	assert.Equal(t, "MessageType(42)", MessageType(42).String())
	for tp := TypeHey; tp < typeEnd; tp++ {
		assert.True(t, tp.Valid())
		assert.Contains(t, typeNames, tp)
	}
	assert.False(t, typeEnd.Valid())
}

func TestConn_OverPipe(t *testing.T) {
	a, b := net.Pipe()
	left := NewConn(a, 0)
	right := NewConn(b, 0)
	defer left.Close()
	defer right.Close()

	states := []raystate.RayState{
		{SampleID: 1, ToVisit: []pkg.TreeletID{4, 5}},
		{SampleID: 2, IsShadowRay: true},
	}

	errc := make(chan error, 1)
	go func() {
		if err := left.Send(TypeConnectionRequest, ConnectionRequest{JobContext: "job", WorkerID: 2, Address: "w2"}); err != nil {
			errc <- err
			return
		}
		errc <- left.Send(TypeSendRays, raystate.MarshalBatch(states))
	}()

	require.NoError(t, right.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := right.Read()
	require.NoError(t, err)
	require.Equal(t, TypeConnectionRequest, msg.Type)
	var req ConnectionRequest
	require.NoError(t, Decode(msg, &req))
	assert.Equal(t, pkg.WorkerID(2), req.WorkerID)
	assert.Equal(t, "job", req.JobContext)

	msg, err = right.Read()
	require.NoError(t, err)
	require.Equal(t, TypeSendRays, msg.Type)
	got, err := raystate.UnmarshalBatch(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, states, got)

	require.NoError(t, <-errc)
}
