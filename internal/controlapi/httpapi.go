package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Response is the body of every non-list reply.
type Response struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func write(rw http.ResponseWriter, status int, v any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}

func read(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		write(rw, http.StatusBadRequest, Response{Message: "Invalid request body.", Detail: err.Error()})
		return false
	}
	return true
}
