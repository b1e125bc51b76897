// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package algs implements the standard offload algorithms: a linear
// transform of a value column, an electron calibration, and the
// computation of jet pull vectors from jet constituents.
//
// Each algorithm is a value holding its configuration, whose Step
// method is run by an offload.Runner once per event.
package algs

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/offload/kernel"
	"github.com/grailbio/offload/metrics"
	"github.com/grailbio/offload/soa"
)

// Default container keys.
const (
	ValuesKey              = "Values"
	TransformedValuesKey   = "TransformedValues"
	ElectronsKey           = "Electrons"
	CalibratedElectronsKey = "CalibratedElectrons"
	JetsKey                = "AntiKt4EMPFlowJets"
	JetsWithPullKey        = "JetsWithPull"
)

// Kernels launched by the algorithms, resolved from the kernel
// registry.
var (
	linearTransform    kernel.LinearFunc
	calibrateElectrons kernel.CalibrateFunc
	exclusiveScan      kernel.ScanFunc
	jetPull            kernel.PullFunc
)

var (
	// Rows counts the outer records processed by algorithm steps.
	Rows = metrics.NewCounter("algs.rows")
	// Constituents counts the inner elements flattened by algorithm
	// steps.
	Constituents = metrics.NewCounter("algs.constituents")
)

// debugRows is the number of result rows logged at debug level.
const debugRows = 4

func init() {
	mustLookup("linear-transform", &linearTransform)
	mustLookup("calibrate-electrons", &calibrateElectrons)
	mustLookup("exclusive-scan", &exclusiveScan)
	mustLookup("jet-pull", &jetPull)
}

func mustLookup(name string, ptr interface{}) {
	if !kernel.Lookup(name, ptr) {
		log.Panicf("algs: no kernel %s of type %T", name, ptr)
	}
}

// An Algorithm is a configured offload algorithm.
type Algorithm interface {
	// Name returns the algorithm's name.
	Name() string
	// Keys returns the algorithm's input and output keys.
	Keys() offload.Keys
	// Step runs one invocation of the algorithm.
	Step(inv *offload.Invocation) error
}

// Initialize binds alg to runner, returning the environment in which
// its steps are executed.
func Initialize(alg Algorithm, runner *offload.Runner) (*offload.Env, error) {
	return offload.Initialize(alg.Name(), alg.Keys(), runner)
}

// load copies the attributes named by the columns of host view v
// from aux into v.
func load(v soa.View, aux *edm.AuxStore) error {
	s := v.Schema()
	for i := 0; i < s.NumOut(); i++ {
		col, ok := aux.Column(s.Name(i))
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("attribute %s", s.Name(i)))
		}
		if col.Type().Elem() != s.Out(i) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("attribute %s: type %s, expected %s", s.Name(i), col.Type().Elem(), s.Out(i)))
		}
		reflect.Copy(v.Value(i), col)
	}
	return nil
}

// save copies each column of host view v into aux under the column's
// name, replacing existing attributes. The columns are copied so that
// aux does not alias the view's storage.
func save(aux *edm.AuxStore, v soa.View, names ...string) error {
	s := v.Schema()
	for i := 0; i < s.NumOut(); i++ {
		name := s.Name(i)
		if len(names) > 0 {
			name = names[i]
		}
		col := v.Value(i)
		dst := reflect.MakeSlice(col.Type(), col.Len(), col.Len())
		reflect.Copy(dst, col)
		if err := aux.Set(name, dst.Interface()); err != nil {
			return err
		}
	}
	return nil
}

// count records n processed rows in the invocation's metrics scope.
func count(inv *offload.Invocation, n int) {
	Rows.Incr(metrics.ContextScope(inv.Context()), n)
}

// logRows logs the leading rows of host view v at debug level.
func logRows(inv *offload.Invocation, v soa.View) {
	if !log.At(log.Debug) {
		return
	}
	n := v.Len()
	if n > debugRows {
		n = debugRows
	}
	var b strings.Builder
	soa.WriteTab(&b, v.Slice(0, n))
	log.Debug.Printf("%s: %d of %d rows:\n%s", inv, n, v.Len(), b.String())
}
