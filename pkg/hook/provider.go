// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

// Resolver is the symbol source for hook targets. *module.Resolver
// satisfies it; tests supply fixed tables.
type Resolver interface {
	// Symbol returns the address of an export of a module loaded in the
	// controller. Forwarded exports are followed to their final module.
	Symbol(module, symbol string) (uintptr, error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(module, symbol string) (uintptr, error)

// Symbol implements Resolver.
func (f ResolverFunc) Symbol(module, symbol string) (uintptr, error) {
	return f(module, symbol)
}
