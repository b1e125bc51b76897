// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel provides the device kernels used by offload
// algorithms, and a mechanism to register and look them up by name.
// Every kernel is launched through Dispatch, the single boundary at
// which host code hands device-resident views to device computation.
package kernel

import (
	"reflect"
	"sort"
	"sync"
)

var (
	mu      sync.RWMutex
	kernels = map[string][]reflect.Value{}
)

// Register associates the provided kernel implementation with a name.
// Several implementations of different types may share a name.
func Register(name string, impl interface{}) {
	mu.Lock()
	defer mu.Unlock()
	kernels[name] = append(kernels[name], reflect.ValueOf(impl))
}

// Lookup retrieves a kernel registered under name whose type is
// assignable to the value pointed to by ptr, which is typically a
// pointer to a function variable. If no such kernel exists, Lookup
// returns false. If a non-pointer is passed, Lookup panics.
func Lookup(name string, ptr interface{}) bool {
	mu.RLock()
	defer mu.RUnlock()
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr {
		panic("kernel.Lookup: passed non-pointer")
	}
	typ := v.Type().Elem()
	for _, k := range kernels[name] {
		if k.Type().AssignableTo(typ) {
			v.Elem().Set(k)
			return true
		}
	}
	return false
}

// Names returns the names of all registered kernels, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
