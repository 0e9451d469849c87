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

// Package ytflowerr defines the engine core's structured error taxonomy:
// every error carries a Kind plus up to three optional
// string fields, enough for a caller to render a localized message or
// project it to the FFI boundary's base+domain+subcode numeric scheme.
package ytflowerr

import "fmt"

// Kind enumerates the error categories, grouped by
// domain: Configuration, Data, Analyze, Compose/Encode/Decode, CBOR
// escape, Flow runtime, and RPC.
type Kind int

const (
	_ Kind = iota

	// Configuration
	KindParseParam
	KindInvalidParam
	KindNoAccessPoint
	KindBadAccessPointType
	KindNoPlugin
	KindNoPluginType
	KindRecursionLimitExceeded
	KindTooManyPlugin

	// Data
	KindMigration
	KindDatabase
	KindInvalidData

	// Analyze
	KindUnknownVersion
	KindInvalidEncoding
	KindDuplicateName
	KindPluginNotFound
	KindUnknownAccessPoint
	KindUnexpectedUDPAccessPoint
	KindTooComplicated
	KindInvalidPlugin
	KindUnusedPlugin

	// Compose / Encode / Decode
	KindNoLeg
	KindTooManyLegs
	KindUnsupportedComponent
	KindInvalidURL
	KindMissingInfo
	KindUnknownValue
	KindUnknownScheme
	KindExtraParameters

	// CBOR escape
	KindUnexpectedByteReprKey
	KindInvalidByteRepr
	KindMissingData
	KindUnknownByteRepr

	// Flow runtime
	KindIO
	KindEOF
	KindUnexpectedData
	KindNoOutbound

	// RPC
	KindNoSuchPlugin
)

// Each Kind group carries an FFI numeric-code base of the form
// 0x8000_0000 + domain + subcode. RecursionLimitExceeded keeps its
// historical literal 0x0800_0007 rather than following the pattern.
const ffiBase = 0x8000_0000

var domainOffset = map[Kind]uint32{
	KindParseParam:             0x1000,
	KindInvalidParam:           0x1001,
	KindNoAccessPoint:          0x1002,
	KindBadAccessPointType:     0x1003,
	KindNoPlugin:               0x1004,
	KindNoPluginType:           0x1005,
	KindRecursionLimitExceeded: 0x1006, // overridden below, literal 0x0800_0007
	KindTooManyPlugin:          0x1007,

	KindMigration:    0x2000,
	KindDatabase:     0x2001,
	KindInvalidData:  0x2002,

	KindUnknownVersion:           0x3000,
	KindInvalidEncoding:          0x3001,
	KindDuplicateName:            0x3002,
	KindPluginNotFound:           0x3003,
	KindUnknownAccessPoint:       0x3004,
	KindUnexpectedUDPAccessPoint: 0x3005,
	KindTooComplicated:           0x3006,
	KindInvalidPlugin:            0x3007,
	KindUnusedPlugin:             0x3008,

	KindNoLeg:                0x4000,
	KindTooManyLegs:          0x4001,
	KindUnsupportedComponent: 0x4002,
	KindInvalidURL:           0x4003,
	KindMissingInfo:          0x4004,
	KindUnknownValue:         0x4005,
	KindUnknownScheme:        0x4006,
	KindExtraParameters:      0x4007,

	KindUnexpectedByteReprKey: 0x5000,
	KindInvalidByteRepr:       0x5001,
	KindMissingData:           0x5002,
	KindUnknownByteRepr:       0x5003,

	KindIO:             0x6000,
	KindEOF:            0x6001,
	KindUnexpectedData: 0x6002,
	KindNoOutbound:     0x6003,

	KindNoSuchPlugin: 0x7000,
}

// FFICode returns the stable numeric code for k under the
// base+domain+subcode scheme, with the one documented exception.
func (k Kind) FFICode() uint32 {
	if k == KindRecursionLimitExceeded {
		return 0x0800_0007
	}
	return ffiBase + domainOffset[k]
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

var kindNames = map[Kind]string{
	KindParseParam:               "ParseParam",
	KindInvalidParam:             "InvalidParam",
	KindNoAccessPoint:            "NoAccessPoint",
	KindBadAccessPointType:       "BadAccessPointType",
	KindNoPlugin:                 "NoPlugin",
	KindNoPluginType:             "NoPluginType",
	KindRecursionLimitExceeded:   "RecursionLimitExceeded",
	KindTooManyPlugin:            "TooManyPlugin",
	KindMigration:                "Migration",
	KindDatabase:                 "Database",
	KindInvalidData:              "InvalidData",
	KindUnknownVersion:           "UnknownVersion",
	KindInvalidEncoding:          "InvalidEncoding",
	KindDuplicateName:            "DuplicateName",
	KindPluginNotFound:           "PluginNotFound",
	KindUnknownAccessPoint:       "UnknownAccessPoint",
	KindUnexpectedUDPAccessPoint: "UnexpectedUdpAccessPoint",
	KindTooComplicated:           "TooComplicated",
	KindInvalidPlugin:            "InvalidPlugin",
	KindUnusedPlugin:             "UnusedPlugin",
	KindNoLeg:                    "NoLeg",
	KindTooManyLegs:              "TooManyLegs",
	KindUnsupportedComponent:     "UnsupportedComponent",
	KindInvalidURL:               "InvalidUrl",
	KindMissingInfo:              "MissingInfo",
	KindUnknownValue:             "UnknownValue",
	KindUnknownScheme:            "UnknownScheme",
	KindExtraParameters:          "ExtraParameters",
	KindUnexpectedByteReprKey:    "UnexpectedByteReprKey",
	KindInvalidByteRepr:          "InvalidByteRepr",
	KindMissingData:              "MissingData",
	KindUnknownByteRepr:          "UnknownByteRepr",
	KindIO:                       "Io",
	KindEOF:                      "Eof",
	KindUnexpectedData:           "UnexpectedData",
	KindNoOutbound:               "NoOutbound",
	KindNoSuchPlugin:             "NoSuchPlugin",
}

// E is the structured error every fallible operation in the engine core
// returns: a Kind plus up to three free-form string fields (e.g. plugin
// name, field name, inner error text) sufficient for a UI to localize.
type E struct {
	Kind   Kind
	Fields [3]string
	Inner  error
}

func (e *E) Error() string {
	msg := e.Kind.String()
	for _, f := range e.Fields {
		if f != "" {
			msg += ": " + f
		}
	}
	if e.Inner != nil {
		msg += fmt.Sprintf(" (%v)", e.Inner)
	}
	return msg
}

func (e *E) Unwrap() error { return e.Inner }

// New builds an *E with the given kind and fields, padding/truncating
// fields to 3 entries.
func New(kind Kind, fields ...string) *E {
	e := &E{Kind: kind}
	for i := 0; i < len(fields) && i < 3; i++ {
		e.Fields[i] = fields[i]
	}
	return e
}

// Wrap builds an *E wrapping inner with the given kind and fields.
func Wrap(kind Kind, inner error, fields ...string) *E {
	e := New(kind, fields...)
	e.Inner = inner
	return e
}
