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

package flow

import "errors"

// Runtime error sentinels shared by every codec and handler. EOF is
// deliberately io.EOF itself (see Stream's doc); these cover the other
// flow-level failure classes.
var (
	// ErrUnexpectedData marks a peer that violated its protocol: a bad
	// frame, a failed handshake echo, an AEAD tag mismatch.
	ErrUnexpectedData = errors.New("unexpected data from peer")
	// ErrNoOutbound means a handler had no outbound to forward a flow to,
	// e.g. a dispatcher rule whose action carries no next hop for the
	// flow's transport.
	ErrNoOutbound = errors.New("no outbound configured for flow")
)
