// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !windows

package module

import "github.com/mbeema/veil/pkg/memory"

type systemLoader struct{}

func (systemLoader) Base(string) (uintptr, error) { return 0, memory.ErrUnsupported }

func (systemLoader) RemoteBase(uint32, string) (uintptr, error) {
	return 0, memory.ErrUnsupported
}
