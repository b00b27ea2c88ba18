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

package verify

// Reason is the typed cause of a rejection.
type Reason string

const (
	FileTooLarge           Reason = "FileTooLarge"
	ExtensionNotAllowed    Reason = "ExtensionNotAllowed"
	DeclaredMimeNotAllowed Reason = "DeclaredMimeNotAllowed"
	ContentMimeMismatch    Reason = "ContentMimeMismatch"
	SignatureMismatch      Reason = "SignatureMismatch"
	DeepValidationFailed   Reason = "DeepValidationFailed"
	ExecutableDisguised    Reason = "ExecutableDisguised"
)

// Verdict is the outcome of the pipeline. Rejections are values, never
// errors; Rule names the check that produced the rejection.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
	Rule     string `json:"rule,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func accept() Verdict { return Verdict{Accepted: true} }

func reject(rule string, reason Reason, detail string) Verdict {
	return Verdict{Reason: reason, Rule: rule, Detail: detail}
}
