// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
)

// FloatT is a struct with a single float64 field, F64, serialized as {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, Int, serialized as {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, Str, serialized as {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, Bool, serialized as {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct containing the basic types the analyser responds with.
// T selects which field is sent to the client.
type HumanPayload struct {
	// T is the type of the payload
	T types.BasicKind

	// Bool holds a boolean
	Bool bool

	// Int holds an int
	Int int

	// Float holds a float
	Float float64

	// String holds a string
	String string
}

// EncodeAndRespond writes the payload to w as JSON with the key matching T
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("unsupported payload type %v", hp.T), http.StatusInternalServerError)
		return
	}
	ReplyWithJSON(w, v)
}

// ReplyWithJSON encodes v as the JSON body of a 200 response
func ReplyWithJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", filePath)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
