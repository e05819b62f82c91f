// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
)

// The SimpleGo compiler accepts a tiny subset of OpenCL C: element-wise kernels of the form
//
//	kernel void <name>(global <float|double|half>* <arg>, ...) {
//		<arg>[get_global_id(0)] = <expr>;
//		...
//	}
//
// where <expr> is an operand or a binary operation (+, - or *) of two operands, and an operand is
// either get_global_id(0), a numeric literal or <arg>[get_global_id(0)].

var (
	reKernel      = regexp.MustCompile(`(?s)(?:__)?kernel\s+void\s+(\w+)\s*\(([^)]*)\)\s*\{([^{}]*)\}`)
	reParam       = regexp.MustCompile(`^(?:__)?global\s+(float|double|half)\s*\*\s*(\w+)$`)
	reStatement   = regexp.MustCompile(`^(\w+)\s*\[\s*get_global_id\s*\(\s*0\s*\)\s*\]\s*=\s*(.+)$`)
	reOperand     = regexp.MustCompile(`^\s*(get_global_id\s*\(\s*0\s*\)|(\w+)\s*\[\s*get_global_id\s*\(\s*0\s*\)\s*\]|(\d*\.?\d+(?:[eE][-+]?\d+)?)f?)`)
	reOperator    = regexp.MustCompile(`^\s*([-+*])`)
	reLineComment = regexp.MustCompile(`//[^\n]*`)
)

var paramTypes = map[string]backends.DType{
	"float":  dtypes.Float32,
	"double": dtypes.Float64,
	"half":   dtypes.Float16,
}

type kernelParam struct {
	name  string
	dtype backends.DType
}

type operandKind int

const (
	operandGlobalID operandKind = iota
	operandConstant
	operandArg
)

type operand struct {
	kind     operandKind
	value    float64 // for operandConstant
	argIndex int     // for operandArg
}

type expression struct {
	lhs, rhs operand
	op       byte // 0 if there is only lhs.
}

type statement struct {
	target int // Index of the argument written to.
	expr   expression
}

// program is one compiled kernel.
type program struct {
	name       string
	params     []kernelParam
	statements []statement
}

func (p *program) paramIndex(name string) int {
	for ii, param := range p.params {
		if param.name == name {
			return ii
		}
	}
	return -1
}

// compile all kernels in source.
func compile(source string) (map[string]*program, error) {
	source = reLineComment.ReplaceAllString(source, "")
	matches := reKernel.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return nil, errors.New("no kernel definition found in source")
	}
	programs := make(map[string]*program, len(matches))
	for _, match := range matches {
		p, err := compileKernel(match[1], match[2], match[3])
		if err != nil {
			return nil, errors.WithMessagef(err, "kernel %q", match[1])
		}
		if _, found := programs[p.name]; found {
			return nil, errors.Errorf("kernel %q defined more than once", p.name)
		}
		programs[p.name] = p
	}
	return programs, nil
}

func compileKernel(name, params, body string) (*program, error) {
	p := &program{name: name}
	for _, paramDef := range strings.Split(params, ",") {
		paramDef = strings.Join(strings.Fields(paramDef), " ")
		if paramDef == "" {
			continue
		}
		match := reParam.FindStringSubmatch(paramDef)
		if match == nil {
			return nil, errors.Errorf("unsupported parameter %q: only global pointers to float, double or half are accepted", paramDef)
		}
		if p.paramIndex(match[2]) >= 0 {
			return nil, errors.Errorf("parameter %q declared more than once", match[2])
		}
		p.params = append(p.params, kernelParam{name: match[2], dtype: paramTypes[match[1]]})
	}
	if len(p.params) == 0 {
		return nil, errors.New("kernel has no arguments")
	}

	for _, stmtDef := range strings.Split(body, ";") {
		stmtDef = strings.TrimSpace(stmtDef)
		if stmtDef == "" {
			continue
		}
		match := reStatement.FindStringSubmatch(stmtDef)
		if match == nil {
			return nil, errors.Errorf("unsupported statement %q", stmtDef)
		}
		target := p.paramIndex(match[1])
		if target < 0 {
			return nil, errors.Errorf("assignment to undeclared %q in statement %q", match[1], stmtDef)
		}
		expr, err := p.parseExpression(match[2])
		if err != nil {
			return nil, errors.WithMessagef(err, "statement %q", stmtDef)
		}
		p.statements = append(p.statements, statement{target: target, expr: expr})
	}
	return p, nil
}

func (p *program) parseExpression(text string) (expr expression, err error) {
	var rest string
	expr.lhs, rest, err = p.parseOperand(text)
	if err != nil {
		return
	}
	if strings.TrimSpace(rest) == "" {
		return
	}
	match := reOperator.FindStringSubmatch(rest)
	if match == nil {
		err = errors.Errorf("unexpected %q in expression", strings.TrimSpace(rest))
		return
	}
	expr.op = match[1][0]
	expr.rhs, rest, err = p.parseOperand(rest[len(match[0]):])
	if err != nil {
		return
	}
	if strings.TrimSpace(rest) != "" {
		err = errors.Errorf("unexpected %q in expression: only one binary operation is supported", strings.TrimSpace(rest))
	}
	return
}

func (p *program) parseOperand(text string) (op operand, rest string, err error) {
	match := reOperand.FindStringSubmatch(text)
	if match == nil {
		err = errors.Errorf("invalid operand in %q", strings.TrimSpace(text))
		return
	}
	rest = text[len(match[0]):]
	switch {
	case match[2] != "":
		op.kind = operandArg
		op.argIndex = p.paramIndex(match[2])
		if op.argIndex < 0 {
			err = errors.Errorf("reference to undeclared %q", match[2])
		}
	case match[3] != "":
		op.kind = operandConstant
		op.value, err = strconv.ParseFloat(match[3], 64)
	default:
		op.kind = operandGlobalID
	}
	return
}
