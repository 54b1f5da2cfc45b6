package target

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/lirc/internal/asm"
	"github.com/tinyrange/lirc/internal/lir"
)

// Arch names a target instruction set.
type Arch string

// OS names a target operating system / object format pairing.
type OS string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"

	OSLinux  OS = "linux"
	OSDarwin OS = "darwin"
)

// ErrUnsupported is returned when no implementation is registered for an
// architecture and OS pairing.
var ErrUnsupported = errors.New("unsupported target configuration")

// Options configure a target instance.
type Options struct {
	// FMA enables fused multiply-add instructions for floating point.
	FMA bool
	// Variadic lists callee symbols that follow the variadic calling
	// convention.
	Variadic []string
	// PLTCalls relocates external calls with PLT32 instead of PC32.
	PLTCalls bool
}

// Features reports which peephole fusions the target can encode.
type Features struct {
	// LEA is true when the target has a scaled-index address computation.
	LEA bool
	// FloatMulAdd is true when fused float multiply-add forms are encodable.
	FloatMulAdd bool
	// IntMulAdd is true when integer multiply-add forms are encodable.
	IntMulAdd bool
}

// Emitter assembles lowered closures into one emission unit.
type Emitter interface {
	// Emit selects and encodes one closure (first phase).
	Emit(c *lir.Closure) error
	// Finish resolves pending branch tokens (second phase).
	Finish() error
}

// Target is the per-architecture strategy selected once per pipeline.
type Target interface {
	Arch() Arch
	OS() OS
	Features() Features
	// Register resolves an assembler register name for the textual LIR form.
	Register(name string) (lir.Reg, bool)
	// ArgRegister reports whether r carries call arguments.
	ArgRegister(r lir.Reg) bool
	StackPointer() lir.Reg
	FramePointer() lir.Reg
	// Lower rewrites a closure's generic LIR into target-shaped LIR.
	Lower(c *lir.Closure) error
	NewEmitter(u *asm.Unit) Emitter
}

// Factory builds a target for the given options.
type Factory func(Options) Target

type key struct {
	arch Arch
	os   OS
}

var (
	targetsMu sync.RWMutex
	targets   = make(map[key]Factory)
)

// Register wires an implementation into the registry. It panics when the
// same pairing is registered twice so mistakes are caught during init.
func Register(arch Arch, os OS, f Factory) {
	if arch == "" || os == "" {
		panic("target: architecture and os must be specified")
	}
	if f == nil {
		panic("target: factory must be non-nil")
	}

	targetsMu.Lock()
	defer targetsMu.Unlock()

	k := key{arch, os}
	if _, exists := targets[k]; exists {
		panic(fmt.Sprintf("target: %s/%s already registered", arch, os))
	}
	targets[k] = f
}

// Lookup builds the target registered for arch and os.
func Lookup(arch Arch, os OS, opts Options) (Target, error) {
	targetsMu.RLock()
	f, ok := targets[key{arch, os}]
	targetsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("target %s/%s: %w", arch, os, ErrUnsupported)
	}
	return f(opts), nil
}
