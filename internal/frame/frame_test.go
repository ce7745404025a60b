package frame

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		typ       Type
		channelID uint16
		payload   []byte
	}{
		{Data, 1, []byte("hello")},
		{Connect, 42, nil},
		{ConnectOK, 0xffff, []byte{}},
		{ConnectFail, 7, []byte("bad connect payload")},
		{Close, 1, nil},
	}

	for _, c := range cases {
		encoded, err := Encode(c.typ, c.channelID, c.payload)
		require.NoError(t, err)

		typ, channelID, payloadLen, err := DecodeHeader(encoded)
		require.NoError(t, err)
		assert.Equal(t, c.typ, typ)
		assert.Equal(t, c.channelID, channelID)
		assert.Equal(t, len(c.payload), int(payloadLen))
		assert.Equal(t, string(c.payload), string(encoded[HeaderSize:]))
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Data, 1, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestConnectPayloadRoundTrip(t *testing.T) {
	payload, err := ConnectPayload("example.internal", 9999)
	require.NoError(t, err)

	host, port, err := ParseConnectPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "example.internal", host)
	assert.Equal(t, uint16(9999), port)
}

func TestParseConnectPayloadRejectsTrailingBytes(t *testing.T) {
	payload, err := ConnectPayload("h", 1)
	require.NoError(t, err)
	payload = append(payload, 0xff)

	_, _, err = ParseConnectPayload(payload)
	assert.Error(t, err)
}

// TestDecoderArbitraryChunking drives the streaming decoder with chunk sizes
// 1, 3, 5, 7, ... and checks the delivered frame sequence matches what was
// encoded, regardless of how the bytes were split (spec scenario 6).
func TestDecoderArbitraryChunking(t *testing.T) {
	var want []Frame
	var wire []byte
	for i := 0; i < 50; i++ {
		f := Frame{
			Type:      Type(1 + i%5),
			ChannelID: uint16(i + 1),
			Payload:   randomPayload(i),
		}
		want = append(want, f)
		encoded, err := Encode(f.Type, f.ChannelID, f.Payload)
		require.NoError(t, err)
		wire = append(wire, encoded...)
	}

	for chunkSize := 1; chunkSize <= 15; chunkSize += 2 {
		var got []Frame
		var d Decoder
		for off := 0; off < len(wire); off += chunkSize {
			end := off + chunkSize
			if end > len(wire) {
				end = len(wire)
			}
			d.Feed(wire[off:end])
			for {
				f, ok := d.Next()
				if !ok {
					break
				}
				got = append(got, f)
			}
		}
		require.Len(t, got, len(want), "chunk size %d", chunkSize)
		for i := range want {
			assert.Equal(t, want[i].Type, got[i].Type, "chunk size %d frame %d", chunkSize, i)
			assert.Equal(t, want[i].ChannelID, got[i].ChannelID, "chunk size %d frame %d", chunkSize, i)
			assert.Equal(t, string(want[i].Payload), string(got[i].Payload), "chunk size %d frame %d", chunkSize, i)
		}
	}
}

func randomPayload(n int) []byte {
	if n == 0 {
		return nil
	}
	b := make([]byte, n%37)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}
