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

import "context"

// DatagramSession is an unordered message channel, the datagram analogue
// of Stream. Delivery order across RecvFrom calls is not guaranteed;
// ordering within a single direction of a single session is not either,
// matching UDP semantics.
type DatagramSession interface {
	// RecvFrom blocks until a datagram arrives, ctx is done, or the
	// session ends (err is io.EOF).
	RecvFrom(ctx context.Context) (from Destination, payload []byte, err error)
	// SendTo sends payload toward dst. It never blocks indefinitely; a busy
	// underlying channel drops the datagram rather than backpressure the
	// caller, matching UDP's unreliable-delivery contract.
	SendTo(ctx context.Context, dst Destination, payload []byte) error
	// Close shuts down both directions of the session.
	Close() error
}
