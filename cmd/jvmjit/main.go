package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/wudi/jvmjit/internal/bytecode"
	"github.com/wudi/jvmjit/internal/classmodel"
	"github.com/wudi/jvmjit/internal/config"
	"github.com/wudi/jvmjit/internal/engine"
	"github.com/wudi/jvmjit/internal/vmexit"
	"github.com/wudi/jvmjit/version"
)

func main() {
	app := &cli.Command{
		Name:  "jvmjit",
		Usage: "a template JIT compiler core for JVM bytecode",
		Commands: []*cli.Command{
			runCommand,
			hotspotsCommand,
			replCommand,
			versionCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "jvmjit: %v\n", err)
		os.Exit(1)
	}
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print the build version",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		fmt.Println(version.Version())
		return nil
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "compile and launch a method",
	ArgsUsage: "<class-file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd.String("config"))
		if err != nil {
			return err
		}
		if cmd.Args().Len() == 0 {
			return fmt.Errorf("run: missing <class-file> argument")
		}
		path := cmd.Args().First()
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}

		eng, err := engine.New(cfg, classmodel.FakeFieldTable{})
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		defer eng.Close()

		fmt.Printf("run: loaded %d bytes from %s (classfile parsing is out of this core's scope)\n", len(data), path)
		fmt.Println("run: compiling and launching the three built-in demo methods instead")
		return runDemoMethods(eng)
	},
}

// demoMethods are self-contained, parameterless methods exercised end
// to end: compile through stage1/stage2, launch, and drain VM-exit
// events. All three are scoped to exits whose Resumption is
// ResumeNever (a method returning, or an exception unwinding the
// frame) since resuming guest execution mid-method after a
// ResumeAfterHandling exit needs switchcode to capture Guest.RIP on
// the way out, which it does not currently do.
var demoMethods = []struct {
	name   string
	method *bytecode.Method
}{
	{"sum(1..100)", sumLoopDemo()},
	{"divide-by-zero", divideByZeroDemo()},
	{"null-field-access", nullFieldAccessDemo()},
}

func runDemoMethods(eng *engine.Engine) error {
	for i, dm := range demoMethods {
		id := classmodel.MethodID(i + 1)
		session, err := eng.Launch(id, dm.method, [15]uint64{})
		if err != nil {
			return fmt.Errorf("run: launch %s: %w", dm.name, err)
		}

		ev := session.Resume()
		fmt.Printf("%s: exit %s at bc[%d]", dm.name, ev.Kind, ev.BCIndex)
		switch ev.Kind {
		case vmexit.KindReturn:
			fmt.Printf(", returned %d\n", int32(session.ReturnValue()))
		case vmexit.KindNullPointerException:
			fmt.Println(", raised NullPointerException")
		case vmexit.KindThrow:
			fmt.Println(", raised an exception")
		default:
			fmt.Println()
		}

		if err := session.Finish(); err != nil {
			return fmt.Errorf("run: finish %s: %w", dm.name, err)
		}
	}
	return nil
}

// sumLoopDemo computes sum(0..100) with a plain counting loop, ending
// in a Return-kind exit and no intervening VM exits at all.
func sumLoopDemo() *bytecode.Method {
	return &bytecode.Method{
		Name:       "sumTo100",
		Descriptor: "()I",
		MaxLocals:  3,
		MaxStack:   2,
		IsStatic:   true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpLdc, Index: 0, IntOperand: 101},
			{Op: bytecode.OpIStore, Index: 1, IntOperand: 0}, // local0 = n = 101
			{Op: bytecode.OpIConst0, Index: 2},
			{Op: bytecode.OpIStore, Index: 3, IntOperand: 1}, // local1 = i = 0
			{Op: bytecode.OpIConst0, Index: 4},
			{Op: bytecode.OpIStore, Index: 5, IntOperand: 2}, // local2 = s = 0
			{Op: bytecode.OpILoad, Index: 6, IntOperand: 1},  // loop head: push i
			{Op: bytecode.OpILoad, Index: 7, IntOperand: 0},  // push n
			{Op: bytecode.OpIfICmpGe, Index: 8, BranchTargets: []int{15}},
			{Op: bytecode.OpILoad, Index: 9, IntOperand: 2},
			{Op: bytecode.OpILoad, Index: 10, IntOperand: 1},
			{Op: bytecode.OpIAdd, Index: 11},
			{Op: bytecode.OpIStore, Index: 12, IntOperand: 2}, // s += i
			{Op: bytecode.OpIInc, Index: 13, IntOperand: (1 << 16) | 1},
			{Op: bytecode.OpGoto, Index: 14, BranchTargets: []int{6}},
			{Op: bytecode.OpILoad, Index: 15, IntOperand: 2}, // end: push s
			{Op: bytecode.OpIReturn, Index: 16},
		},
	}
}

// divideByZeroDemo computes 5/0, exercising stage2's zero-divisor
// guard instead of letting idiv trap the host process.
func divideByZeroDemo() *bytecode.Method {
	return &bytecode.Method{
		Name:       "divByZero",
		Descriptor: "()I",
		MaxLocals:  0,
		MaxStack:   2,
		IsStatic:   true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpLdc, Index: 0, IntOperand: 5},
			{Op: bytecode.OpIConst0, Index: 1},
			{Op: bytecode.OpIDiv, Index: 2},
			{Op: bytecode.OpIReturn, Index: 3},
		},
	}
}

// nullFieldAccessDemo reads a field off a null reference, exercising
// stage1's prepended NullCheck ahead of getfield.
func nullFieldAccessDemo() *bytecode.Method {
	return &bytecode.Method{
		Name:       "readNullField",
		Descriptor: "()I",
		MaxLocals:  0,
		MaxStack:   1,
		IsStatic:   true,
		Instrs: []bytecode.Instr{
			{Op: bytecode.OpIConst0, Index: 0}, // push a null reference
			{Op: bytecode.OpGetField, Index: 1, ConstPoolID: 0},
			{Op: bytecode.OpIReturn, Index: 2},
		},
	}
}

var hotspotsCommand = &cli.Command{
	Name:  "hotspots",
	Usage: "print code-region occupancy (bytes used, capacity, implementations installed)",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd.String("config"))
		if err != nil {
			return err
		}
		eng, err := engine.New(cfg, classmodel.FakeFieldTable{})
		if err != nil {
			return err
		}
		defer eng.Close()

		stats := eng.RegionStats()
		fmt.Printf("code region: %s/%s used, %d implementations installed\n",
			humanize.Bytes(uint64(stats.Used)), humanize.Bytes(uint64(stats.Capacity)), stats.Implementations)
		return nil
	},
}

var replCommand = &cli.Command{
	Name:  "repl",
	Usage: "interactively look up bytecode mnemonics",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return runREPL()
	},
}

func runREPL() error {
	prompt := "jvmjit> "
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		prompt = ""
	}

	rl, err := readline.New(prompt)
	if err != nil {
		return fmt.Errorf("repl: %w", err)
	}
	defer rl.Close()

	fmt.Println("jvmjit repl: type a bytecode mnemonic name to look up its Op, or 'quit'")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		if line == "" {
			continue
		}
		found := false
		for op := 0; op < 256; op++ {
			if bytecode.Op(op).String() == line {
				fmt.Printf("%s = Op(%d)\n", line, op)
				found = true
				break
			}
		}
		if !found {
			fmt.Printf("unrecognized mnemonic: %q\n", line)
		}
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}
