// Copyright 2025 Tom Barlow
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

package handlers

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/soliplex/ingesterd/internal/ingest/worker"
)

// invokeExpr evaluates the handler's declared "expr" parameter against the
// run's namespace, the dispatch path for ENRICH and ROUTE steps, which carry
// no fixed contract (§4.7). The original's own route_document is itself a
// no-op stub (workflow.py), so a step handler that declares no expr is
// treated the same way: it succeeds having produced nothing.
//
// The expression evaluates to either a map, which becomes the step's
// output/meta, or any other value, which is reported back under the key
// "result".
func (d *Dispatcher) invokeExpr(ctx context.Context, req worker.HandlerRequest, ns Namespace) (map[string]any, error) {
	code, _ := req.Handler.Parameters["expr"].(string)
	if code == "" {
		return map[string]any{}, nil
	}

	env := make(map[string]any, len(ns))
	for k, v := range ns {
		env[k] = v
	}

	out, err := expr.Eval(code, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating %s expression: %w", req.Handler.Method, err)
	}
	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": out}, nil
}
