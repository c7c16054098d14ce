// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package policy decides whether the host should show its first-chance
// exception dialog for an exception code.
package policy

import (
	"fmt"

	"github.com/mbeema/veil/pkg/config"
)

// Decision is the outcome for one exception event.
type Decision struct {
	Code uint32
	// Suppress is true when the code is not in the known set: the
	// exception is passed to the debuggee without a host prompt.
	Suppress bool
}

func (d Decision) String() string {
	if d.Suppress {
		return fmt.Sprintf("0x%08X: pass silently", d.Code)
	}
	return fmt.Sprintf("0x%08X: surface", d.Code)
}

// Evaluate suppresses the dialog exactly when code is not catalogued.
// Catalogued exceptions are expected noise the operator wants to see;
// everything else goes straight to the debuggee.
func Evaluate(code uint32, known []config.KnownException) Decision {
	for _, k := range known {
		if k.Code == code {
			return Decision{Code: code}
		}
	}
	return Decision{Code: code, Suppress: true}
}

// Options is the host's global exception-dialog option word.
type Options uint32

// Exception dialog bits. ExcDlgAlways includes the ExcDlgUnknown bit.
const (
	ExcDlgNever   Options = 0x0000
	ExcDlgUnknown Options = 0x2000
	ExcDlgAlways  Options = 0x6000

	excDlgMask = ExcDlgAlways | ExcDlgUnknown
)

// Dialog returns the dialog bits of o.
func (o Options) Dialog() Options { return o & excDlgMask }

func (o Options) String() string {
	switch o.Dialog() {
	case ExcDlgNever:
		return "never"
	case ExcDlgUnknown:
		return "unknown"
	case ExcDlgAlways:
		return "always"
	}
	return fmt.Sprintf("Options(%#x)", uint32(o))
}

// ApplyDialogOption rewrites the dialog bits of old for a decision and keeps
// every other bit.
func ApplyDialogOption(old Options, suppress bool) Options {
	o := old &^ excDlgMask
	if suppress {
		return o | ExcDlgNever
	}
	return o | ExcDlgUnknown
}
