// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chunk

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSession    = errors.New("missing upload session id")
	ErrInvalidSession    = errors.New("invalid upload session id")
	ErrInvalidChunkCount = errors.New("invalid chunk count")
	ErrIndexOutOfRange   = errors.New("chunk index out of range")
	ErrCountMismatch     = errors.New("chunk count differs from the session manifest")
	ErrChunkTooLarge     = errors.New("chunk exceeds the size limit")
)

// ProtocolError is a malformed chunk request. It is returned before any
// chunk data is registered in storage.
type ProtocolError struct {
	Err    error
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErr(err error, format string, args ...any) error {
	return &ProtocolError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err was caused by a malformed request.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
