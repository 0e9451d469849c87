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

// Package flow defines the semantic types and capability contracts shared
// by every codec and plugin in the engine: destinations, size hints, and
// the Stream / DatagramSession / factory / resolver interfaces the
// dataplane is built from.
package flow

// SizeHint estimates how many bytes the next read is likely to produce, so
// callers can size an allocation without guessing. It carries no guarantee;
// it only avoids both over- and under-allocating in the common case.
type SizeHint struct {
	lower int
	known bool
}

// UnknownSize is a SizeHint that carries no information.
var UnknownSize = SizeHint{}

// AtLeast returns a SizeHint promising at least n bytes are available.
func AtLeast(n int) SizeHint {
	return SizeHint{lower: n, known: true}
}

// Known reports whether the hint carries a lower bound.
func (h SizeHint) Known() bool { return h.known }

// Lower returns the lower bound carried by the hint, or 0 if unknown.
func (h SizeHint) Lower() int { return h.lower }

// WithMinContent returns a hint whose lower bound is at least x.
func (h SizeHint) WithMinContent(x int) SizeHint {
	if !h.known || h.lower < x {
		return SizeHint{lower: x, known: true}
	}
	return h
}
