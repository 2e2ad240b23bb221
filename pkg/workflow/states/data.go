// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package states

import "encoding/json"

// Data encodings. A state's data is a reference to persisted result bytes or
// an embedded document, never the raw result value itself.
const (
	// EncodingJSON embeds a JSON-serialized value directly.
	EncodingJSON = "json"
	// EncodingBlock references bytes persisted through a storage block.
	EncodingBlock = "block"
	// EncodingStates marks an aggregate of child run states.
	EncodingStates = "states"
	// EncodingError embeds a serialized failure.
	EncodingError = "error"
)

// Data is the serialized result document attached to a terminal state.
type Data struct {
	Encoding string          `json:"encoding"`
	Blob     json.RawMessage `json:"blob,omitempty"`

	// BlockSlug and Key locate persisted bytes when Encoding is
	// EncodingBlock.
	BlockSlug string `json:"block_slug,omitempty"`
	Key       string `json:"key,omitempty"`
}

// JSONData embeds a value as a JSON document. Marshal failures fall back to
// an error document so that state persistence never fails on an
// unserializable result.
func JSONData(value any) *Data {
	blob, err := json.Marshal(value)
	if err != nil {
		return ErrorData(err)
	}
	return &Data{Encoding: EncodingJSON, Blob: blob}
}

// BlockData references bytes stored under key by the named storage block.
func BlockData(slug, key string) *Data {
	return &Data{Encoding: EncodingBlock, BlockSlug: slug, Key: key}
}

// ErrorData embeds a serialized failure.
func ErrorData(err error) *Data {
	blob, _ := json.Marshal(map[string]string{"message": err.Error()})
	return &Data{Encoding: EncodingError, Blob: blob}
}
