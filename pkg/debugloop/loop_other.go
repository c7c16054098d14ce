// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package debugloop

import (
	"context"

	"github.com/mbeema/veil/pkg/memory"
)

// Run is unavailable off Windows.
func (l *Loop) Run(ctx context.Context, t Target) error {
	return memory.ErrUnsupported
}
