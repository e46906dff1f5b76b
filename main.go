// Package main is the command-line front end for the virtual machine:
// it loads a package image and runs it or disassembles it,
// the way saferwall's pedumper wires a cobra root command around a
// single parser library.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"ovm/heap"
	"ovm/interp"
	"ovm/loader"
)

var (
	stackSize   int
	heapObjects int
	disableGC   bool
	entryFunc   string
)

func loadProgram(path string) (*loader.Package, error) {
	return loader.ReadPackageFile(path)
}

func findEntry(pkg *loader.Package, name string) (*interp.Function, error) {
	for i := 0; ; i++ {
		fn, ok := pkg.Function(i)
		if !ok {
			break
		}
		if fn.Name == name {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("entry function %q not found", name)
}

func runProgram(cmd *cobra.Command, args []string) error {
	pkg, err := loadProgram(args[0])
	if err != nil {
		return err
	}
	entry, err := findEntry(pkg, entryFunc)
	if err != nil {
		return err
	}

	h, err := heap.New(heapObjects)
	if err != nil {
		return err
	}
	vm := interp.NewInterpreter(h, stackSize, os.Stdout, os.Stdin)

	// A collection pause mid-instruction would observe a half-built
	// frame; the interpreter drives its own collections at safepoints,
	// so the Go GC is parked around the call the same way the teacher's
	// RunProgram parks it around a single VM dispatch loop.
	if disableGC {
		old := debug.SetGCPercent(-1)
		defer debug.SetGCPercent(old)
	}

	result, err := vm.Call(entry)
	if err != nil {
		return err
	}
	fmt.Println(int64(result))
	return nil
}

func disasmProgram(cmd *cobra.Command, args []string) error {
	pkg, err := loadProgram(args[0])
	if err != nil {
		return err
	}
	for i := 0; ; i++ {
		fn, ok := pkg.Function(i)
		if !ok {
			break
		}
		fmt.Printf("function %d: %s (params=%d locals=%d)\n", i, fn.Name, fn.NumParams, fn.LocalsSize)
		fmt.Println(interp.Disassemble(fn))
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "ovm",
		Short: "A small stack-based managed-language virtual machine",
	}

	runCmd := &cobra.Command{
		Use:   "run <package-file>",
		Short: "Load a package image and execute its entry function",
		Args:  cobra.ExactArgs(1),
		RunE:  runProgram,
	}
	runCmd.Flags().IntVar(&stackSize, "stack-size", 1<<20, "operand/frame stack size in bytes")
	runCmd.Flags().IntVar(&heapObjects, "heap-objects", 1<<16, "maximum live object count before collection fails")
	runCmd.Flags().StringVar(&entryFunc, "entry", "main", "name of the function to call")
	runCmd.Flags().BoolVar(&disableGC, "disable-host-gc", true, "park the host Go garbage collector for the duration of the call")

	disasmCmd := &cobra.Command{
		Use:   "disasm <package-file>",
		Short: "Print a textual disassembly of every function in a package image",
		Args:  cobra.ExactArgs(1),
		RunE:  disasmProgram,
	}

	root.AddCommand(runCmd, disasmCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
