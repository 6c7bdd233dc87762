// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eval

// This file contains the organizer verdict validation and the enrichment
// that folds the participant's runtime observations into the verdict before
// it is written back

import (
	"bytes"
	"encoding/json"

	"github.com/valyala/fastjson"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/arena-ml/arena-go-runner/internal/task"
)

// validateVerdict applies the organizer results contract, a JSON object
// whose indicator key holds an array.  The failure messages end up in the
// organizer log of the submission, they are written for participants and
// organizers rather than for operators.
func validateVerdict(v *fastjson.Value) (err kv.Error) {
	if v.Type() != fastjson.TypeObject {
		return kv.NewError("organizer results must be a JSON object").With("stack", stack.Trace().TrimRuntime())
	}
	indicator := v.Get("indicator")
	if indicator == nil {
		return kv.NewError("organizer results are missing the required indicator key").With("stack", stack.Trace().TrimRuntime())
	}
	if indicator.Type() != fastjson.TypeArray {
		return kv.NewError("organizer results indicator key must be an array").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// ValidateResults checks that an organizer results document has the
// required shape
func ValidateResults(data []byte) (err kv.Error) {
	parser := fastjson.Parser{}
	v, errGo := parser.ParseBytes(data)
	if errGo != nil {
		return kv.Wrap(errGo, "organizer results are not valid JSON").With("stack", stack.Trace().TrimRuntime())
	}
	return validateVerdict(v)
}

// EnrichResults validates an organizer results document and injects the
// runtimeInfo object carrying the participant run's observations.  The
// document comes back pretty printed with the organizer's key order and any
// non ASCII text preserved.
func EnrichResults(data []byte, info task.RuntimeInfo) (enriched []byte, err kv.Error) {
	parser := fastjson.Parser{}
	v, errGo := parser.ParseBytes(data)
	if errGo != nil {
		return nil, kv.Wrap(errGo, "organizer results are not valid JSON").With("stack", stack.Trace().TrimRuntime())
	}
	if err = validateVerdict(v); err != nil {
		return nil, err
	}

	infoJSON, errGo := json.Marshal(info)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	runtimeParser := fastjson.Parser{}
	runtimeVal, errGo := runtimeParser.ParseBytes(infoJSON)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	v.Set("runtimeInfo", runtimeVal)

	buf := &bytes.Buffer{}
	if errGo = json.Indent(buf, v.MarshalTo(nil), "", "  "); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
