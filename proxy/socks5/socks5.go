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

// Package socks5 implements the SOCKS5 client and server handshakes,
// reusing flow's shared destination-address codec. The server side
// rewrites FlowContext.RemotePeer from the client's own CONNECT request.
package socks5

import "fmt"

const (
	version5 = 0x05

	authNoAuth   = 0x00
	authUserPass = 0x02
	authNoMethod = 0xFF

	cmdConnect = 0x01

	replySucceeded           = 0x00
	replyCommandNotSupported = 0x07
)

// ReplyCode is returned when a SOCKS5 peer (client dialing, or a server we
// host) reports a non-success status. It is a typed, errors.Is-comparable
// error.
type ReplyCode byte

func (r ReplyCode) Error() string {
	return fmt.Sprintf("socks5: server replied with error code %d", byte(r))
}
