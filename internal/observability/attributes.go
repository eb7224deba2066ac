/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package observability provides the metrics and tracing setup.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	attrRoute    = "route"
	attrKind     = "kind"
	attrOutcome  = "outcome"
	attrTerminal = "terminal"
)

func routeAttr(route string) attribute.KeyValue {
	return attribute.String(attrRoute, route)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func terminalAttr(terminal bool) attribute.KeyValue {
	return attribute.Bool(attrTerminal, terminal)
}
