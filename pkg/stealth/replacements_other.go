// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package stealth

import "github.com/mbeema/veil/pkg/memory"

// Originals looks up the chaining address of an installed hook.
// *hook.Manager satisfies it.
type Originals interface {
	Original(replacement uintptr) (uintptr, bool)
}

// NewReplacements is unavailable off Windows.
func NewReplacements(e *Engine, originals Originals) (Replacements, error) {
	return Replacements{}, memory.ErrUnsupported
}
