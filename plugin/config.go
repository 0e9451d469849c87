// Copyright 2023 The YtFlowCore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plugin

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/ytflow/ytflowcore/internal/ytflowerr"
)

// DecodeParam CBOR-decodes param into dst, wrapping any failure in the
// uniform ParseParam error taxonomy. Every plugin kind's
// parser calls this once at the top of its ParseFunc.
func DecodeParam(pluginName string, param []byte, dst any) error {
	if err := cbor.Unmarshal(param, dst); err != nil {
		return ytflowerr.Wrap(ytflowerr.KindParseParam, err, pluginName)
	}
	return nil
}

// RequireField returns an InvalidParam error if cond is false, the shape
// every plugin kind's parser uses to validate a required field after
// decoding (e.g. "password must not be empty").
func RequireField(pluginName, field string, cond bool) error {
	if cond {
		return nil
	}
	return ytflowerr.New(ytflowerr.KindInvalidParam, pluginName, field)
}
