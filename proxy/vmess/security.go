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

package vmess

import "fmt"

// ParseSecurity maps the textual security names used in configs and share
// links to a Security value. "auto" selects AES-128-GCM, the fastest
// option on the platforms this engine targets.
func ParseSecurity(name string) (Security, error) {
	switch name {
	case "aes-128-gcm", "":
		return SecurityAES128GCM, nil
	case "chacha20-poly1305", "chacha20-ietf-poly1305":
		return SecurityChaCha20Poly1305, nil
	case "auto":
		return SecurityAES128GCM, nil
	default:
		return 0, fmt.Errorf("vmess: unsupported security %q", name)
	}
}

// SecurityName is the inverse of ParseSecurity, used when encoding a
// proxy back into a persisted document.
func SecurityName(sec Security) string {
	switch sec {
	case SecurityChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "aes-128-gcm"
	}
}
