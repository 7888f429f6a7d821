// Package compiler drives the full pipeline from C source to NASM text.
package compiler

import (
	"bytes"
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/cc64lang/cc64/compiler/encode"
	"github.com/cc64lang/cc64/compiler/front"
	"github.com/cc64lang/cc64/compiler/irgen"
	"github.com/cc64lang/cc64/compiler/isel"
	"github.com/cc64lang/cc64/compiler/regalloc"
)

// CompileFile compiles a single source file to assembly text.
func CompileFile(ctx context.Context, name string) (obj []byte, err error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "name", name, "size", len(text))

	return Compile(ctx, name, text)
}

// Compile runs one translation unit through every phase: parsing, IR
// construction, instruction selection, register allocation, and encoding.
func Compile(ctx context.Context, name string, text []byte) (obj []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "name", name)
	defer tr.Finish("err", &err)

	prog, err := front.Parse(ctx, name, text)
	if err != nil {
		return nil, errors.Wrap(err, "parse")
	}

	globals, err := irgen.Compile(ctx, prog)
	if err != nil {
		return nil, errors.Wrap(err, "generate ir")
	}

	fns, err := isel.Select(ctx, globals)
	if err != nil {
		return nil, errors.Wrap(err, "select instructions")
	}

	err = regalloc.Alloc(ctx, fns)
	if err != nil {
		return nil, errors.Wrap(err, "allocate registers")
	}

	var b bytes.Buffer

	err = encode.Program(&b, globals, fns)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}

	return b.Bytes(), nil
}
