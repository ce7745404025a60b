package frame

// Decoder accumulates bytes from an arbitrarily chunked stream and yields
// complete frames as they become available. Unknown frame types are not
// filtered here — that policy lives with the dispatcher (spec: unknown
// types are ignored, not a framing error).
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes to the internal buffer.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Next attempts to pull one complete frame out of the buffered bytes. It
// returns ok=false when fewer than a full frame is currently available;
// callers should Feed more and retry.
func (d *Decoder) Next() (f Frame, ok bool) {
	if len(d.buf) < HeaderSize {
		return Frame{}, false
	}
	t, channelID, payloadLen, err := DecodeHeader(d.buf)
	if err != nil {
		return Frame{}, false
	}
	total := HeaderSize + int(payloadLen)
	if len(d.buf) < total {
		return Frame{}, false
	}

	payload := make([]byte, payloadLen)
	copy(payload, d.buf[HeaderSize:total])
	d.buf = d.buf[total:]

	return Frame{Type: t, ChannelID: channelID, Payload: payload}, true
}

// Buffered reports how many bytes are currently held awaiting a full frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
