// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed poll message")
	ErrSubjectNotFound  = errors.New("subject not found")
	ErrUnknownKind      = errors.New("unknown operation kind")
	ErrHandleRedeemed   = errors.New("callback handle already redeemed or expired")
)
