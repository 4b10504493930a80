// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindIO
	KindCorruption
	KindIndexCorruption
	KindResourceExhausted
	KindSegmentUnavailable
	KindNotFound
	KindClosed
	KindInvalidArgument
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindConfiguration:      "configuration error",
	KindIO:                 "io error",
	KindCorruption:         "corruption error",
	KindIndexCorruption:    "index corruption",
	KindResourceExhausted:  "resource exhausted",
	KindSegmentUnavailable: "segment unavailable",
	KindNotFound:           "not found",
	KindClosed:             "store closed",
	KindInvalidArgument:    "invalid argument",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

var (
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrIO                 = &Error{Kind: KindIO}
	ErrCorruption         = &Error{Kind: KindCorruption}
	ErrIndexCorruption    = &Error{Kind: KindIndexCorruption}
	ErrResourceExhausted  = &Error{Kind: KindResourceExhausted}
	ErrSegmentUnavailable = &Error{Kind: KindSegmentUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrClosed             = &Error{Kind: KindClosed}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}

	ErrQueueFull       = New(KindResourceExhausted, "enqueue index update", errors.New("index queue is full"))
	ErrTooManyOpenFile = New(KindResourceExhausted, "acquire file handle", errors.New("open files limit reached"))
	ErrFileRemoved     = New(KindIO, "acquire file handle", errors.New("data file has been removed"))
)

// Error is the error type returned by every store operation. Two errors are
// considered equal by errors.Is when their kinds match, so callers test the
// category with the Err* sentinels above.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Op + ": " + e.Kind.String()
	case e.Op == "":
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain. Errors
// annotated by blobstore errors.Info are followed through Cause.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if errors.As(err, &e) {
			return e.Kind
		}
		c, ok := err.(interface{ Cause() error })
		if !ok || c.Cause() == err {
			break
		}
		err = c.Cause()
	}
	return KindUnknown
}

// IsRetryable reports whether the failed operation may succeed after backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindResourceExhausted
}

func Configuration(format string, args ...interface{}) *Error {
	return Newf(KindConfiguration, "validate config", format, args...)
}

func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return New(KindIO, op, err)
}

func Corruption(op string, format string, args ...interface{}) *Error {
	return Newf(KindCorruption, op, format, args...)
}

func IndexCorruption(op string, format string, args ...interface{}) *Error {
	return Newf(KindIndexCorruption, op, format, args...)
}
