package main

import (
	"context"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/cc64lang/cc64/compiler"
	"github.com/cc64lang/cc64/compiler/front"
	"github.com/cc64lang/cc64/compiler/ir"
	"github.com/cc64lang/cc64/compiler/irgen"
	"github.com/cc64lang/cc64/compiler/isel"
)

func main() {
	compileCmd := &cli.Command{
		Name:   "compile",
		Action: compileAct,
		Args:   cli.Args{},
	}

	irCmd := &cli.Command{
		Name:   "ir",
		Action: irAct,
		Args:   cli.Args{},
	}

	asmCmd := &cli.Command{
		Name:   "asm",
		Action: asmAct,
		Args:   cli.Args{},
	}

	app := &cli.Command{
		Name:        "cc64",
		Description: "cc64 compiles a C subset to x86-64 NASM assembly",
		Commands: []*cli.Command{
			compileCmd,
			irCmd,
			asmCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func rootCtx() context.Context {
	tlog.SetVerbosity(env.Str("CC64_DEBUG", ""))

	return tlog.ContextWithSpan(context.Background(), tlog.Root())
}

func compileAct(c *cli.Command) (err error) {
	ctx := rootCtx()

	out := os.Stdout

	if name := env.Str("CC64_OUT", ""); name != "" {
		out, err = os.Create(name)
		if err != nil {
			return errors.Wrap(err, "create output")
		}

		defer func() {
			e := out.Close()
			if err == nil {
				err = errors.Wrap(e, "close output")
			}
		}()
	}

	for _, a := range c.Args {
		obj, err := compiler.CompileFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "compile %v", a)
		}

		_, err = out.Write(obj)
		if err != nil {
			return errors.Wrap(err, "write")
		}
	}

	return nil
}

func irAct(c *cli.Command) (err error) {
	ctx := rootCtx()

	for _, a := range c.Args {
		globals, err := lower(ctx, a)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}

		for _, g := range globals {
			if g.Kind != ir.KFn {
				continue
			}

			fmt.Printf("%s:\n", g.Label)
			g.Fn.Fprint(os.Stdout)
		}
	}

	return nil
}

// asmAct prints the selected instructions with virtual registers still
// visible, before allocation runs.
func asmAct(c *cli.Command) (err error) {
	ctx := rootCtx()

	for _, a := range c.Args {
		globals, err := lower(ctx, a)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}

		fns, err := isel.Select(ctx, globals)
		if err != nil {
			return errors.Wrap(err, "select instructions %v", a)
		}

		for _, fn := range fns {
			fn.Fprint(os.Stdout)
		}
	}

	return nil
}

func lower(ctx context.Context, name string) ([]*ir.Global, error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}

	prog, err := front.Parse(ctx, name, text)
	if err != nil {
		return nil, errors.Wrap(err, "parse")
	}

	globals, err := irgen.Compile(ctx, prog)
	if err != nil {
		return nil, errors.Wrap(err, "generate ir")
	}

	return globals, nil
}
