// Package wasmtest hand-assembles tiny WASI guests for tests.
package wasmtest

import (
	"bytes"
	"encoding/binary"

	"github.com/kate-goldenring/containerd-shim-spin/wasm"
)

const (
	opBlock    = 0x02
	opLoop     = 0x03
	opBr       = 0x0C
	opBrIf     = 0x0D
	opEnd      = 0x0B
	opCall     = 0x10
	opDrop     = 0x1A
	opI32Load  = 0x28
	opI32Store = 0x36
	opI32Const = 0x41
	opI32Eqz   = 0x45
	opLocalGet = 0x20

	blockEmpty = 0x40
	typeI32    = 0x7F
	funcForm   = 0x60

	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secExport   = 7
	secCode     = 10
	secData     = 11
)

// Stdin, Stdout and Stderr are the WASI descriptor numbers.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

const (
	typeIOVec = iota // (fd, iovs, iovs_len, nwritten) -> errno
	typeExit         // (code) -> ()
	typeStart        // () -> ()
)

func vec(items ...[]byte) []byte {
	var b bytes.Buffer
	wasm.WriteLEB128u(&b, uint32(len(items)))
	for _, it := range items {
		b.Write(it)
	}
	return b.Bytes()
}

func name(s string) []byte {
	return append(wasm.EncodeLEB128u(uint32(len(s))), s...)
}

func section(id byte, payload []byte) []byte {
	out := append([]byte{id}, wasm.EncodeLEB128u(uint32(len(payload)))...)
	return append(out, payload...)
}

func i32Const(v int32) []byte {
	var b bytes.Buffer
	b.WriteByte(opI32Const)
	wasm.WriteLEB128s(&b, v)
	return b.Bytes()
}

func call(idx uint32) []byte {
	return append([]byte{opCall}, wasm.EncodeLEB128u(idx)...)
}

func le32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:], v)
}

// module assembles a module importing the named wasi functions, in order,
// with a single exported _start whose body is code.
func module(imports []string, code []byte, data []byte) []byte {
	return moduleWith(imports, code, data, false)
}

// moduleWith is module, optionally importing its memory from env.memory
// instead of defining it.
func moduleWith(imports []string, code []byte, data []byte, importMemory bool) []byte {
	types := vec(
		[]byte{funcForm, 4, typeI32, typeI32, typeI32, typeI32, 1, typeI32},
		[]byte{funcForm, 1, typeI32, 0},
		[]byte{funcForm, 0, 0},
	)

	var imps [][]byte
	for _, fn := range imports {
		typ := byte(typeIOVec)
		if fn == "proc_exit" {
			typ = typeExit
		}
		entry := append(name("wasi_snapshot_preview1"), name(fn)...)
		imps = append(imps, append(entry, 0x00, typ))
	}
	if importMemory {
		entry := append(name("env"), name("memory")...)
		imps = append(imps, append(entry, 0x02, 0x00, 0x01))
	}

	startIdx := uint32(len(imports))
	exports := vec(
		append(name("memory"), 0x02, 0x00),
		append(append(name("_start"), 0x00), wasm.EncodeLEB128u(startIdx)...),
	)

	body := append([]byte{0x00}, code...) // no locals
	body = append(body, opEnd)
	codeSec := vec(append(wasm.EncodeLEB128u(uint32(len(body))), body...))

	var out bytes.Buffer
	out.Write(wasm.Magic[:])
	out.Write(wasm.ModulePreamble[:])
	out.Write(section(secType, types))
	out.Write(section(secImport, vec(imps...)))
	out.Write(section(secFunction, vec([]byte{typeStart})))
	if !importMemory {
		out.Write(section(secMemory, vec([]byte{0x00, 0x01})))
	}
	out.Write(section(secExport, exports))
	out.Write(section(secCode, codeSec))
	if data != nil {
		seg := append([]byte{0x00}, i32Const(0)...)
		seg = append(seg, opEnd)
		seg = append(seg, wasm.EncodeLEB128u(uint32(len(data)))...)
		seg = append(seg, data...)
		out.Write(section(secData, vec(seg)))
	}
	return out.Bytes()
}

// Write returns a module whose _start writes msg to fd and then exits with
// code. A zero code returns normally from _start.
func Write(fd uint32, msg string, code uint32) []byte {
	return write(fd, msg, code, false)
}

// WriteSharedMemory is Write with the module's memory imported from
// env.memory.
func WriteSharedMemory(fd uint32, msg string, code uint32) []byte {
	return write(fd, msg, code, true)
}

func write(fd uint32, msg string, code uint32, importMemory bool) []byte {
	// iovec{buf: 16, len}, nwritten at 8, message at 16.
	data := make([]byte, 16, 16+len(msg))
	le32(data, 0, 16)
	le32(data, 4, uint32(len(msg)))
	data = append(data, msg...)

	var c []byte
	c = append(c, i32Const(int32(fd))...)
	c = append(c, i32Const(0)...)
	c = append(c, i32Const(1)...)
	c = append(c, i32Const(8)...)
	c = append(c, call(0)...)
	c = append(c, opDrop)
	if code != 0 {
		c = append(c, i32Const(int32(code))...)
		c = append(c, call(1)...)
	}
	return moduleWith([]string{"fd_write", "proc_exit"}, c, data, importMemory)
}

// Echo returns a module that writes prefix to stdout followed by
// everything it reads from stdin.
func Echo(prefix string) []byte {
	const (
		prefixVec = 0
		readVec   = 16
		nread     = 32
		nwritten  = 40
		writeVec  = 48
		prefixAt  = 64
		bufAt     = 4096
		bufLen    = 60000
	)
	data := make([]byte, prefixAt, prefixAt+len(prefix))
	le32(data, prefixVec, prefixAt)
	le32(data, prefixVec+4, uint32(len(prefix)))
	le32(data, readVec, bufAt)
	le32(data, readVec+4, bufLen)
	le32(data, writeVec, bufAt)
	data = append(data, prefix...)

	const fdRead, fdWrite = 0, 1
	load := []byte{opI32Load, 0x02, 0x00}

	var c []byte
	c = append(c, i32Const(Stdout)...)
	c = append(c, i32Const(prefixVec)...)
	c = append(c, i32Const(1)...)
	c = append(c, i32Const(nwritten)...)
	c = append(c, call(fdWrite)...)
	c = append(c, opDrop)

	c = append(c, opBlock, blockEmpty, opLoop, blockEmpty)
	c = append(c, i32Const(Stdin)...)
	c = append(c, i32Const(readVec)...)
	c = append(c, i32Const(1)...)
	c = append(c, i32Const(nread)...)
	c = append(c, call(fdRead)...)
	c = append(c, opDrop)
	c = append(c, i32Const(nread)...)
	c = append(c, load...)
	c = append(c, opI32Eqz, opBrIf, 0x01)
	c = append(c, i32Const(writeVec+4)...)
	c = append(c, i32Const(nread)...)
	c = append(c, load...)
	c = append(c, opI32Store, 0x02, 0x00)
	c = append(c, i32Const(Stdout)...)
	c = append(c, i32Const(writeVec)...)
	c = append(c, i32Const(1)...)
	c = append(c, i32Const(nwritten)...)
	c = append(c, call(fdWrite)...)
	c = append(c, opDrop)
	c = append(c, opBr, 0x00, opEnd, opEnd)

	return module([]string{"fd_read", "fd_write"}, c, data)
}

// Spin returns a module whose _start never returns.
func Spin() []byte {
	c := []byte{opLoop, blockEmpty, opBr, 0x00, opEnd}
	return module(nil, c, nil)
}

// Adapter returns a module that owns and exports a memory and exports
// fd_write and proc_exit forwarding to WASI. Its fd_write ignores the
// requested descriptor and writes to fd.
func Adapter(fd uint32) []byte {
	types := vec(
		[]byte{funcForm, 4, typeI32, typeI32, typeI32, typeI32, 1, typeI32},
		[]byte{funcForm, 1, typeI32, 0},
	)
	imps := vec(
		append(append(name("wasi_snapshot_preview1"), name("fd_write")...), 0x00, typeIOVec),
		append(append(name("wasi_snapshot_preview1"), name("proc_exit")...), 0x00, typeExit),
	)
	exports := vec(
		append(name("memory"), 0x02, 0x00),
		append(name("fd_write"), 0x00, 0x02),
		append(name("proc_exit"), 0x00, 0x03),
	)

	var fwd []byte
	fwd = append(fwd, 0x00)
	fwd = append(fwd, i32Const(int32(fd))...)
	fwd = append(fwd, opLocalGet, 1, opLocalGet, 2, opLocalGet, 3)
	fwd = append(fwd, call(0)...)
	fwd = append(fwd, opEnd)
	exit := []byte{0x00, opLocalGet, 0}
	exit = append(exit, call(1)...)
	exit = append(exit, opEnd)

	codeSec := vec(
		append(wasm.EncodeLEB128u(uint32(len(fwd))), fwd...),
		append(wasm.EncodeLEB128u(uint32(len(exit))), exit...),
	)

	var out bytes.Buffer
	out.Write(wasm.Magic[:])
	out.Write(wasm.ModulePreamble[:])
	out.Write(section(secType, types))
	out.Write(section(secImport, imps))
	out.Write(section(secFunction, vec([]byte{typeIOVec}, []byte{typeExit})))
	out.Write(section(secMemory, vec([]byte{0x00, 0x01})))
	out.Write(section(secExport, exports))
	out.Write(section(secCode, codeSec))
	return out.Bytes()
}

// Component section ids and sorts used by Linked.
const (
	compSecCoreInstance = 0x02
	compSecAlias        = 0x06
	compSecCanon        = 0x08

	sortCoreMemory   = 0x02
	sortCoreFunc     = 0x00
	sortCoreInstance = 0x12
)

func component(sections ...[]byte) []byte {
	var out bytes.Buffer
	out.Write(wasm.Magic[:])
	out.Write(wasm.ComponentPreamble[:])
	for _, s := range sections {
		out.Write(s)
	}
	return out.Bytes()
}

func coreModuleSection(m []byte) []byte {
	return section(wasm.ComponentSectionCoreModule, m)
}

// Linked returns a component built the way preview1 adapters are linked:
// the adapter is instantiated first, its memory is gathered into a
// from-exports instance bound as "env", and main is instantiated with
// "env" and with the adapter as "wasi_snapshot_preview1".
func Linked(adapter, main []byte) []byte {
	instantiateAdapter := vec([]byte{0x00, 0x00, 0x00})

	// (alias core export 0 "memory" (core memory))
	memAlias := append([]byte{0x00, sortCoreMemory, 0x01, 0x00}, name("memory")...)

	env := append([]byte{0x01}, vec(append(name("memory"), sortCoreMemory, 0x00))...)
	instantiateMain := append([]byte{0x00, 0x01}, vec(
		append(append(name("env"), sortCoreInstance), 0x01),
		append(append(name("wasi_snapshot_preview1"), sortCoreInstance), 0x00),
	)...)

	return component(
		coreModuleSection(adapter),
		coreModuleSection(main),
		section(compSecCoreInstance, instantiateAdapter),
		section(compSecAlias, vec(memAlias)),
		section(compSecCoreInstance, vec(env, instantiateMain)),
	)
}

// Lowered returns a component whose only module is instantiated with a
// "wasi_snapshot_preview1" instance built from a canon-lowered component
// function, which needs a component host to satisfy.
func Lowered(main []byte) []byte {
	lower := []byte{0x01, 0x00, 0x00, 0x00}
	wasi := append([]byte{0x01}, vec(append(name("fd_write"), sortCoreFunc, 0x00))...)
	instantiateMain := append([]byte{0x00, 0x00}, vec(
		append(append(name("wasi_snapshot_preview1"), sortCoreInstance), 0x00),
	)...)
	return component(
		coreModuleSection(main),
		section(compSecCanon, vec(lower)),
		section(compSecCoreInstance, vec(wasi, instantiateMain)),
	)
}

// Modules returns a component embedding the modules with no core
// instances.
func Modules(modules ...[]byte) []byte {
	sections := make([][]byte, 0, len(modules))
	for _, m := range modules {
		sections = append(sections, coreModuleSection(m))
	}
	return component(sections...)
}

// Component wraps a module built by this package into a component.
func Component(module []byte) []byte {
	c, err := wasm.Componentize(module)
	if err != nil {
		panic(err)
	}
	return c
}
