package wscodec_test

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/wscodec"
)

var mask = [4]byte{0x37, 0xfa, 0x21, 0x3d}

func TestReadMaskedTextFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	frame := ws.MaskFrameWith(ws.NewTextFrame([]byte("Hello")), mask)
	require.NoError(t, ws.WriteFrame(&buf, frame))

	p, err := wscodec.ReadPDU(bufio.NewReader(&buf), pdu.Server)
	require.NoError(t, err)

	assert.Equal(t, pdu.KindWebSocket, p.Kind)
	assert.Equal(t, pdu.Server, p.Destination)
	assert.Equal(t, "Hello", string(p.Bytes()))
	assert.True(t, p.Charset.Equal(pdu.UTF8))

	f := wscodec.FrameOf(p)
	require.NotNil(t, f)
	assert.True(t, f.Fin)
	assert.True(t, f.Masked)
	assert.Equal(t, mask, f.Mask)
	assert.Equal(t, ws.OpText, f.OpCode)
}

func TestReadBinaryKeepsDefaultCharset(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, ws.WriteFrame(&buf, ws.NewBinaryFrame([]byte{1, 2, 3})))

	p, err := wscodec.ReadPDU(bufio.NewReader(&buf), pdu.Client)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, p.Bytes())
	assert.True(t, p.Charset.Equal(pdu.DefaultCharset))
	assert.False(t, wscodec.FrameOf(p).Masked)
}

func TestReadLengthForms(t *testing.T) {
	t.Parallel()

	t.Run("16 bit", func(t *testing.T) {
		t.Parallel()
		payload := bytes.Repeat([]byte("x"), 300)
		var buf bytes.Buffer
		require.NoError(t, ws.WriteFrame(&buf, ws.NewBinaryFrame(payload)))

		p, err := wscodec.ReadPDU(bufio.NewReader(&buf), pdu.Client)
		require.NoError(t, err)
		assert.Equal(t, payload, p.Bytes())
	})

	t.Run("64 bit", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		require.NoError(t, ws.WriteFrame(&buf, ws.NewBinaryFrame(make([]byte, 70000))))

		_, err := wscodec.ReadPDU(bufio.NewReader(&buf), pdu.Client)
		assert.ErrorIs(t, err, wscodec.ErrFrameTooLarge)
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		_, err := wscodec.ReadPDU(bufio.NewReader(bytes.NewReader([]byte{0x81, 0x05, 'H', 'e'})), pdu.Client)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("eof", func(t *testing.T) {
		t.Parallel()
		_, err := wscodec.ReadPDU(bufio.NewReader(bytes.NewReader(nil)), pdu.Client)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestWriteMasksIntoCopy(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("abc"), 100)
	p := wscodec.NewPDU(pdu.Server, wscodec.Frame{Fin: true, Rsv1: true, OpCode: ws.OpText, Masked: true, Mask: mask}, append([]byte(nil), payload...))

	var buf bytes.Buffer
	require.NoError(t, wscodec.WritePDU(&buf, p))
	assert.Equal(t, payload, p.Bytes(), "pdu buffer must stay unmasked")

	got, err := ws.ReadFrame(&buf)
	require.NoError(t, err)
	assert.True(t, got.Header.Fin)
	assert.Equal(t, ws.Rsv(true, false, false), got.Header.Rsv)
	assert.True(t, got.Header.Masked)
	assert.Equal(t, mask, got.Header.Mask)
	assert.EqualValues(t, len(payload), got.Header.Length)

	ws.Cipher(got.Payload, got.Header.Mask, 0)
	assert.Equal(t, payload, got.Payload)
}

func TestMaskRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame wscodec.Frame
		size  int
	}{
		{name: "empty", frame: wscodec.Frame{Fin: true, OpCode: ws.OpPing}},
		{name: "small masked", frame: wscodec.Frame{Fin: true, OpCode: ws.OpText, Masked: true, Mask: mask}, size: 125},
		{name: "medium masked", frame: wscodec.Frame{OpCode: ws.OpBinary, Masked: true, Mask: mask}, size: 126},
		{name: "continuation", frame: wscodec.Frame{Fin: true, Rsv2: true, Rsv3: true, OpCode: ws.OpContinuation}, size: 65535},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := make([]byte, tt.size)
			for i := range data {
				data[i] = byte(i)
			}
			in := wscodec.NewPDU(pdu.Client, tt.frame, data)

			var buf bytes.Buffer
			require.NoError(t, wscodec.WritePDU(&buf, in))
			out, err := wscodec.ReadPDU(bufio.NewReader(&buf), pdu.Client)
			require.NoError(t, err)

			assert.Equal(t, in.Bytes(), out.Bytes())
			assert.Equal(t, tt.frame, *wscodec.FrameOf(out))
			assert.Zero(t, buf.Len())
		})
	}
}

func TestWriteWithoutFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, wscodec.WritePDU(&buf, pdu.New(pdu.KindTCP, pdu.Client, []byte("raw"))))

	got, err := ws.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ws.OpBinary, got.Header.OpCode)
	assert.True(t, got.Header.Fin)
	assert.Equal(t, "raw", string(got.Payload))
}
