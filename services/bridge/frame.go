package bridge

import (
	"io"

	"ecbus-go/errcode"
)

// Link framing: a 3-byte header (type, big-endian length) ahead of the
// codec-encoded body. The frame layer only delimits; all meaning lives in
// the codec.
const (
	frameHello    byte = 0x01
	framePing     byte = 0x02
	framePong     byte = 0x03
	frameEnvelope byte = 0x10
	frameClose    byte = 0x7f

	maxFrameBody = 0xFFFF
)

type frame struct {
	typ     byte
	payload []byte
}

type framedReader struct{ r io.Reader }
type framedWriter struct{ w io.Writer }

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) readFrame() (frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return frame{}, err
	}
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return frame{}, err
		}
	}
	return frame{typ: hdr[0], payload: buf}, nil
}

func (fw *framedWriter) writeFrame(f frame) error {
	if len(f.payload) > maxFrameBody {
		return &errcode.E{C: errcode.InvalidPayload, Op: "bridge.writeFrame", Msg: "frame too large"}
	}
	hdr := []byte{f.typ, byte(len(f.payload) >> 8), byte(len(f.payload))}
	if _, err := fw.w.Write(hdr); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		_, err := fw.w.Write(f.payload)
		return err
	}
	return nil
}
