// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

// TestMitErrorMessage tests error message composition
func TestMitErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *MitError
		want []string
	}{
		{
			name: "basic",
			err: &MitError{
				Code:      ErrQueryFailed,
				Operation: "queryClass",
				Message:   "controller returned status 400",
			},
			want: []string{"mit:", "queryClass failed", "QueryError", "status 400"},
		},
		{
			name: "with dn",
			err: &MitError{
				Code:      ErrIllegalContainment,
				Operation: "attach",
				Message:   "fvBD cannot contain fvTenant",
				Dn:        "uni/tn-a/BD-b1",
			},
			want: []string{"IllegalContainment", "(dn: uni/tn-a/BD-b1)"},
		},
		{
			name: "with retries",
			err: &MitError{
				Code:      ErrQueryFailed,
				Operation: "request",
				Message:   "gateway timeout",
				Retries:   3,
			},
			want: []string{"(retries: 3)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

// TestMitErrorUnwrap tests that the transport cause stays reachable
func TestMitErrorUnwrap(t *testing.T) {
	cause := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	err := &MitError{
		Code:      ErrQueryFailed,
		Operation: "request",
		Message:   "GET /api/mo/uni.json failed",
		Err:       cause,
	}

	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Error("errors.As must reach the wrapped transport error")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is must match the wrapped cause")
	}
}

// TestMitErrorIs tests code-based matching with errors.Is
func TestMitErrorIs(t *testing.T) {
	err := newError(ErrSessionExpired, "request", "token passed its deadline")

	if !errors.Is(err, &MitError{Code: ErrSessionExpired}) {
		t.Error("errors.Is must match on equal codes")
	}
	if errors.Is(err, &MitError{Code: ErrLoginFailed}) {
		t.Error("errors.Is must not match on different codes")
	}
}

// TestIsCode tests the code helper including wrapped errors
func TestIsCode(t *testing.T) {
	err := newError(ErrUnknownClass, "create", "no class fvFoo")

	if !IsCode(err, ErrUnknownClass) {
		t.Error("IsCode must match a direct MitError")
	}
	if IsCode(err, ErrUnknownProperty) {
		t.Error("IsCode must not match a different code")
	}
	if IsCode(nil, ErrUnknownClass) {
		t.Error("IsCode must be false for nil")
	}
	if IsCode(errors.New("plain"), ErrUnknownClass) {
		t.Error("IsCode must be false for non-MitError")
	}

	wrapped := fmt.Errorf("creating tenant: %w", err)
	if !IsCode(wrapped, ErrUnknownClass) {
		t.Error("IsCode must match through wrapping")
	}
}

// TestIsTransientHTTPCode tests retry classification
func TestIsTransientHTTPCode(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{403, false},
		{404, false},
		{429, true},
		{500, false},
		{502, true},
		{503, true},
		{504, true},
	}

	for _, tt := range tests {
		if got := isTransientHTTPCode(tt.code); got != tt.want {
			t.Errorf("isTransientHTTPCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
