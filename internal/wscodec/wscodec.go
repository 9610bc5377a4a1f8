// Package wscodec reads and writes WebSocket frames as PDUs, one frame per
// PDU. Fragmented messages stay fragmented; each fragment keeps its own FIN
// bit and opcode.
package wscodec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/gobwas/ws"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/pdu"
)

// ErrFrameTooLarge is returned for frames using the 64 bit length form.
var ErrFrameTooLarge = xerrors.New("websocket frame too large")

// Frame is the header of a WebSocket frame, stored as the PDU extension.
type Frame struct {
	Fin    bool
	Rsv1   bool
	Rsv2   bool
	Rsv3   bool
	OpCode ws.OpCode
	Masked bool
	Mask   [4]byte
}

func (f *Frame) Clone() pdu.Extension {
	c := *f
	return &c
}

// FrameOf returns the frame header of p, or nil when p is not a WebSocket
// PDU.
func FrameOf(p *pdu.PDU) *Frame {
	f, _ := p.Ext.(*Frame)
	return f
}

// NewPDU returns a WebSocket PDU carrying data with header f.
func NewPDU(dst pdu.Destination, f Frame, data []byte) *pdu.PDU {
	p := pdu.New(pdu.KindWebSocket, dst, data)
	p.Ext = &f
	if f.OpCode == ws.OpText {
		p.Charset = pdu.UTF8
	}
	return p
}

// ReadPDU reads one frame from r. Masked payloads are returned unmasked and
// text frames are tagged with the UTF-8 charset.
func ReadPDU(r *bufio.Reader, dst pdu.Destination) (*pdu.PDU, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	f := Frame{
		Fin:    head[0]&0x80 != 0,
		Rsv1:   head[0]&0x40 != 0,
		Rsv2:   head[0]&0x20 != 0,
		Rsv3:   head[0]&0x10 != 0,
		OpCode: ws.OpCode(head[0] & 0x0f),
		Masked: head[1]&0x80 != 0,
	}

	length := int(head[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, xerrors.Errorf("read websocket length: %w", unexpected(err))
		}
		length = int(binary.BigEndian.Uint16(ext[:]))
	case 127:
		return nil, ErrFrameTooLarge
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.Mask[:]); err != nil {
			return nil, xerrors.Errorf("read websocket mask: %w", unexpected(err))
		}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, xerrors.Errorf("read websocket payload: %w", unexpected(err))
	}
	if f.Masked {
		ws.Cipher(data, f.Mask, 0)
	}

	return NewPDU(dst, f, data), nil
}

// WritePDU writes p as one frame. A PDU without a frame header is sent as a
// final binary frame. The payload is masked into a copy; p is not modified.
func WritePDU(w io.Writer, p *pdu.PDU) error {
	f := FrameOf(p)
	if f == nil {
		f = &Frame{Fin: true, OpCode: ws.OpBinary}
	}

	data := p.Bytes()
	h := ws.Header{
		Fin:    f.Fin,
		Rsv:    ws.Rsv(f.Rsv1, f.Rsv2, f.Rsv3),
		OpCode: f.OpCode,
		Masked: f.Masked,
		Mask:   f.Mask,
		Length: int64(len(data)),
	}
	if err := ws.WriteHeader(w, h); err != nil {
		return xerrors.Errorf("write websocket header: %w", err)
	}

	if f.Masked {
		data = append([]byte(nil), data...)
		ws.Cipher(data, f.Mask, 0)
	}
	if _, err := w.Write(data); err != nil {
		return xerrors.Errorf("write websocket payload: %w", err)
	}
	return nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
