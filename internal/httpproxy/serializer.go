package httpproxy

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/ws"
	"golang.org/x/xerrors"

	"github.com/die-net/wiretap/internal/httpcodec"
	"github.com/die-net/wiretap/internal/pdu"
	"github.com/die-net/wiretap/internal/wscodec"
)

const headerPrefix = "header."

// Serializer stores HTTP start lines and headers, or WebSocket frame
// headers, in PDU metadata.
type Serializer struct {
	Charset pdu.Charset
}

func (Serializer) Metadata(p *pdu.PDU) map[string]string {
	switch ext := p.Ext.(type) {
	case *httpcodec.Request:
		md := headerMetadata(&ext.Headers)
		if ext.Version != "" {
			md["method"] = ext.Method
			md["path"] = ext.Path
			md["version"] = ext.Version
		}
		return md
	case *httpcodec.Response:
		md := headerMetadata(&ext.Headers)
		if ext.Version != "" {
			md["version"] = ext.Version
			md["status"] = strconv.Itoa(ext.StatusCode)
			md["message"] = ext.StatusMessage
			if ext.NoBody {
				md["no_body"] = "true"
			}
		}
		return md
	case *wscodec.Frame:
		return map[string]string{
			"fin":    strconv.FormatBool(ext.Fin),
			"rsv1":   strconv.FormatBool(ext.Rsv1),
			"rsv2":   strconv.FormatBool(ext.Rsv2),
			"rsv3":   strconv.FormatBool(ext.Rsv3),
			"opcode": strconv.Itoa(int(ext.OpCode)),
			"masked": strconv.FormatBool(ext.Masked),
			"mask":   hex.EncodeToString(ext.Mask[:]),
		}
	}
	return nil
}

func headerMetadata(h *httpcodec.Headers) map[string]string {
	md := make(map[string]string, h.Len()+3)
	for _, f := range h.All() {
		md[headerPrefix+f.Name] = f.Value
	}
	return md
}

// Build returns a WebSocket PDU when metadata carries an opcode, and an HTTP
// request or response according to dst otherwise. Metadata without a start
// line yields a body continuation. Headers are added in name order.
func (s Serializer) Build(dst pdu.Destination, data []byte, md map[string]string) (*pdu.PDU, error) {
	if _, ok := md["opcode"]; ok {
		f, err := frameOf(md)
		if err != nil {
			return nil, err
		}
		p := wscodec.NewPDU(dst, f, data)
		if f.OpCode != ws.OpText {
			p.Charset = s.Charset
		}
		return p, nil
	}

	p := pdu.New(pdu.KindHTTP, dst, data)
	p.Charset = s.Charset
	h := headersOf(md)
	if dst == pdu.Server {
		req := &httpcodec.Request{Method: md["method"], Path: md["path"], Version: md["version"], Headers: h}
		if req.Version != "" && (req.Method == "" || req.Path == "") {
			return nil, xerrors.New("http request needs method and path")
		}
		p.Ext = req
		return p, nil
	}

	resp := &httpcodec.Response{Version: md["version"], StatusMessage: md["message"], Headers: h}
	if resp.Version != "" {
		code, err := strconv.Atoi(md["status"])
		if err != nil || code < 100 || code > 999 {
			return nil, xerrors.Errorf("http response status %q: invalid", md["status"])
		}
		resp.StatusCode = code
		if v, ok := md["no_body"]; ok {
			noBody, err := strconv.ParseBool(v)
			if err != nil {
				return nil, xerrors.Errorf("http response no_body %q: invalid", v)
			}
			resp.NoBody = noBody
		}
	}
	p.Ext = resp
	return p, nil
}

func headersOf(md map[string]string) httpcodec.Headers {
	names := make([]string, 0, len(md))
	for k := range md {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok && name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var h httpcodec.Headers
	for _, name := range names {
		h.Add(name, md[headerPrefix+name])
	}
	return h
}

func frameOf(md map[string]string) (wscodec.Frame, error) {
	f := wscodec.Frame{Fin: true}

	op, err := strconv.Atoi(md["opcode"])
	if err != nil || op < 0 || op > 0x0f {
		return f, xerrors.Errorf("websocket opcode %q: invalid", md["opcode"])
	}
	f.OpCode = ws.OpCode(op)

	for key, dst := range map[string]*bool{"fin": &f.Fin, "rsv1": &f.Rsv1, "rsv2": &f.Rsv2, "rsv3": &f.Rsv3, "masked": &f.Masked} {
		v, ok := md[key]
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, xerrors.Errorf("websocket %s %q: %w", key, v, err)
		}
		*dst = b
	}

	if v := md["mask"]; v != "" {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != len(f.Mask) {
			return f, xerrors.Errorf("websocket mask %q: want 8 hex digits", v)
		}
		copy(f.Mask[:], b)
	}
	return f, nil
}
