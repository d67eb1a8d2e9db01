// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrSaturated is matched by the error returned when every instance of a pool is busy.
// The request was not started and may be retried.
var ErrSaturated = errors.New("all optimizer instances are busy")

// SaturatedError is returned when a request finds no free instance.
type SaturatedError struct {
	Pool string
	Size int
}

func (e *SaturatedError) Error() string {
	return fmt.Sprintf("pool %s: all %d optimizer instances are busy", e.Pool, e.Size)
}

// Is makes errors.Is(err, ErrSaturated) hold.
func (e *SaturatedError) Is(target error) bool { return target == ErrSaturated }

// IsSaturated reports whether err was caused by a saturated pool.
func IsSaturated(err error) bool { return errors.Is(err, ErrSaturated) }

// EvalPanicError carries a panic raised by an evaluator.
type EvalPanicError struct {
	Value any
	Stack []byte
}

func (e *EvalPanicError) Error() string {
	return fmt.Sprintf("evaluator panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *EvalPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
