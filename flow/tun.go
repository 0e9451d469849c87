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

// TxToken is a single-owner handle over a TUN transmit buffer. A token
// obtained from Tun.GetTxBuffer must be passed to exactly one of Send or
// Return, never both, so the TUN's TX buffer pool sees each slot returned
// exactly once.
type TxToken struct {
	Data []byte
	id   uint64
}

// Tun abstracts a raw IP packet device: blocking receive of whole packets,
// and a token-based transmit API so the ipstack package can batch
// allocation without copying on the hot path.
type Tun interface {
	// Recv blocks for the next raw IP packet. The returned slice is valid
	// until ReturnRecvBuffer is called with it.
	Recv() ([]byte, error)
	// ReturnRecvBuffer releases a buffer returned by Recv.
	ReturnRecvBuffer(buf []byte)
	// GetTxBuffer reserves a transmit slot sized to at least n bytes.
	GetTxBuffer(n int) (TxToken, bool)
	// Send transmits len bytes from the token's buffer and consumes the
	// token.
	Send(tok TxToken, length int) error
	// ReturnTxBuffer releases a token without sending, consuming it.
	ReturnTxBuffer(tok TxToken)
}
