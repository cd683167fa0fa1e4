package process

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/SH-XiaoXiu/xnix-sub000/kernel/capability"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/ipc"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/kmsg"
	"github.com/SH-XiaoXiu/xnix-sub000/kernel/vmm"
)

// UserStackTop is the fixed high address immediately above every process's
// two-page user stack.
const UserStackTop = 0xBFFFF000

const userStackPages = 2

// InheritCap names a handle to duplicate from the creator into a spawned
// process's table, with an optional hint for the destination slot the
// caller expects it to land in (capability.Invalid for "don't care").
type InheritCap struct {
	Src     uint32
	Rights  capability.Rights
	DstHint uint32
}

// SpawnArgs parameterizes Spawn. Creator is nil only for the very first
// process (init) spawned directly by the kernel.
type SpawnArgs struct {
	Name           string
	ELF            []byte
	Creator        *Process
	InheritCaps    []InheritCap
	NotifyEndpoint *ipc.Endpoint
	Argv           []string
}

// Spawn implements the eight-step process-creation sequence: allocate the
// PCB and address space, duplicate inherited handles, load the ELF image,
// map the user stack, marshal argv, create the bootstrap thread, and
// register it. Any failure after PCB creation rolls back by leaving the
// half-built process to be garbage collected — nothing outside this
// function has observed its pid yet.
func (m *Manager) Spawn(args SpawnArgs) (*Process, error) {
	proc, err := m.createProcess(args.Name, args.Creator)
	if err != nil {
		return nil, err
	}

	if args.Creator != nil {
		srcTbl := args.Creator.Handles()
		for _, ic := range args.InheritCaps {
			nh, err := srcTbl.Duplicate(ic.Src, proc.handles, ic.Rights, args.Name)
			if err != nil {
				return nil, fmt.Errorf("process: inherit handle %d for %s: %w", ic.Src, args.Name, err)
			}
			if ic.DstHint != capability.Invalid && nh != ic.DstHint {
				m.log.Write(kmsg.LevelWarn, "process", "spawn %s: inherited handle landed at %d, expected %d", args.Name, nh, ic.DstHint)
			}
		}
	}
	if args.NotifyEndpoint != nil {
		rights := capability.Read | capability.Write | capability.Grant | capability.Manage
		perms := []string{"xnix.ipc.endpoint.init_notify.send", "xnix.ipc.endpoint.init_notify.recv"}
		if _, err := proc.handles.AllocWithPerms(ipc.TypeEndpoint, args.NotifyEndpoint, rights, "init_notify", perms); err != nil {
			return nil, fmt.Errorf("process: install init_notify handle for %s: %w", args.Name, err)
		}
	}

	if len(args.ELF) == 0 {
		return nil, fmt.Errorf("process: spawn %s: no ELF data provided", args.Name)
	}
	entry, err := loadELF(m.vmm, proc.AS, args.ELF)
	if err != nil {
		return nil, fmt.Errorf("process: spawn %s: load elf: %w", args.Name, err)
	}

	for i := 1; i <= userStackPages; i++ {
		vaddr := uint32(UserStackTop) - uint32(i)*pageSize
		if _, err := m.vmm.MapNewPage(proc.AS, vaddr, vmm.Prot{User: true, Write: true}); err != nil {
			return nil, fmt.Errorf("process: spawn %s: map user stack: %w", args.Name, err)
		}
	}

	esp, err := marshalArgv(m.vmm, proc.AS, args.Argv)
	if err != nil {
		return nil, fmt.Errorf("process: spawn %s: marshal argv: %w", args.Name, err)
	}

	t := m.sched.CreateThread("bootstrap", 0, proc)
	proc.EntryPoint = entry
	proc.InitialSP = esp
	proc.addThread(t)

	m.log.Write(kmsg.LevelInfo, "process", "spawned %s (pid %d) entry=%#x esp=%#x", args.Name, proc.PID, entry, esp)
	return proc, nil
}

const pageSize = 4096

// loadELF validates the header (32-bit, little-endian, executable, i386)
// and maps+copies every PT_LOAD segment into as, returning the entry
// point. Go's debug/elf does the header/program-header parsing; only the
// placement policy lives here.
func loadELF(vm *vmm.Manager, as *vmm.AddressSpace, data []byte) (uint32, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w", err)
	}
	if f.Class != elf.ELFCLASS32 {
		return 0, fmt.Errorf("process: elf: expected ELFCLASS32, got %s", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return 0, fmt.Errorf("process: elf: expected little-endian, got %s", f.Data)
	}
	if f.Type != elf.ET_EXEC {
		return 0, fmt.Errorf("process: elf: expected ET_EXEC, got %s", f.Type)
	}
	if f.Machine != elf.EM_386 {
		return 0, fmt.Errorf("process: elf: expected EM_386, got %s", f.Machine)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		start := uint32(prog.Vaddr) &^ (pageSize - 1)
		end := (uint32(prog.Vaddr) + uint32(prog.Memsz) + pageSize - 1) &^ (pageSize - 1)
		for va := start; va < end; va += pageSize {
			if _, ok := vm.Query(as, va); ok {
				continue
			}
			// Write granted even to read-only segments during load; this
			// kernel does not currently revoke it afterward.
			if _, err := vm.MapNewPage(as, va, vmm.Prot{User: true, Write: true}); err != nil {
				return 0, fmt.Errorf("process: elf: map segment page %#x: %w", va, err)
			}
		}

		segData, err := io.ReadAll(prog.Open())
		if err != nil {
			return 0, fmt.Errorf("process: elf: read segment: %w", err)
		}
		if err := writeBytes(vm, as, uint32(prog.Vaddr), segData); err != nil {
			return 0, fmt.Errorf("process: elf: copy segment: %w", err)
		}
	}

	return uint32(f.Entry), nil
}

// writeBytes deep-copies data into as starting at vaddr, mapping pages on
// demand (user+write) for any that aren't already present. The child's
// pages are always reached through kmap, regardless of whether they fall
// in the kernel's identity-mapped range.
func writeBytes(vm *vmm.Manager, as *vmm.AddressSpace, vaddr uint32, data []byte) error {
	for len(data) > 0 {
		pageVaddr := vaddr &^ (pageSize - 1)
		offset := vaddr - pageVaddr

		frame, ok := vm.Query(as, pageVaddr)
		if !ok {
			var err error
			frame, err = vm.MapNewPage(as, pageVaddr, vmm.Prot{User: true, Write: true})
			if err != nil {
				return err
			}
		}

		buf, release := vm.Kmap(frame)
		n := copy(buf[offset:], data)
		release()

		data = data[n:]
		vaddr += uint32(n)
	}
	return nil
}

func writeU32(vm *vmm.Manager, as *vmm.AddressSpace, vaddr, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return writeBytes(vm, as, vaddr, b[:])
}

// marshalArgv lays out argv just under the stack top: a string blob, an
// argv pointer array, then the argc/argv pair at a 16-byte-aligned esp. An
// empty argv still gets an argc=0/argv=0 frame so the bootstrap thread sees
// a uniform stack shape either way.
func marshalArgv(vm *vmm.Manager, as *vmm.AddressSpace, argv []string) (uint32, error) {
	stringsSize := 0
	for _, s := range argv {
		stringsSize += len(s) + 1
	}

	stringsStart := (uint32(UserStackTop) - uint32(stringsSize)) &^ 3
	argvArraySize := uint32(len(argv)+1) * 4
	argvArrayAddr := (stringsStart - argvArraySize) &^ 3
	finalESP := (argvArrayAddr - 8) &^ 15

	strOffset := stringsStart
	for i, s := range argv {
		b := append([]byte(s), 0)
		if err := writeBytes(vm, as, strOffset, b); err != nil {
			return 0, err
		}
		if err := writeU32(vm, as, argvArrayAddr+uint32(i)*4, strOffset); err != nil {
			return 0, err
		}
		strOffset += uint32(len(b))
	}
	if err := writeU32(vm, as, argvArrayAddr+uint32(len(argv))*4, 0); err != nil {
		return 0, err
	}
	if err := writeU32(vm, as, finalESP, uint32(len(argv))); err != nil {
		return 0, err
	}
	if err := writeU32(vm, as, finalESP+4, argvArrayAddr); err != nil {
		return 0, err
	}
	return finalESP, nil
}
