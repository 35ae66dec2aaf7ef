// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for async-task
// payloads and queue snapshots.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// smallest integer widths, no indefinite-length items. Task payloads
// are content-addressed in places (dedup of re-enqueued hooks), so
// the same logical payload must always produce identical bytes.
// Decoding ignores unknown fields for forward compatibility between
// server versions draining a shared queue.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Task arguments decode into map[string]any at the dispatch
		// boundary. CBOR's default for any-typed targets is
		// map[interface{}]interface{}, which nothing downstream
		// accepts; force string keys, which is all we ever encode.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decode of task
// arguments until the consumer knows the task type.
type RawMessage = cbor.RawMessage
