package modimage

import "github.com/SH-XiaoXiu/xnix-sub000/initsvc"

const stubELFAddr = 0x08048000

// StubImage is a minimal valid ET_EXEC ELF32 image: one zero-length
// PT_LOAD segment and an entry point at stubELFAddr. It satisfies
// process.Spawn's placement requirements without needing a real toolchain
// output. It is the bootstrap image for the init process itself, and the
// image StubLoader returns for every module.
func StubImage() []byte {
	const ehsize, phsize = 52, 32
	buf := make([]byte, ehsize+phsize)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 1, 1, 1
	put16 := func(off int, v uint16) { buf[off], buf[off+1] = byte(v), byte(v>>8) }
	put32 := func(off int, v uint32) {
		buf[off], buf[off+1], buf[off+2], buf[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	put16(16, 2)
	put16(18, 3)
	put32(20, 1)
	put32(24, stubELFAddr)
	put32(28, ehsize)
	put16(40, ehsize)
	put16(42, phsize)
	put16(44, 1)
	ph := buf[ehsize:]
	ph[0] = 1
	put32(ehsize+4, ehsize+phsize)
	put32(ehsize+8, stubELFAddr)
	put32(ehsize+12, stubELFAddr)
	put32(ehsize+16, 0)
	put32(ehsize+20, 0)
	put32(ehsize+24, 5)
	put32(ehsize+28, 0x1000)
	return buf
}

// StubLoader always resolves a module to StubImage, regardless of name.
// Chained last, it lets a service graph boot and be inspected even when no
// git or GitHub source is configured for a given module.
type StubLoader struct{}

var _ initsvc.ImageLoader = StubLoader{}

func (StubLoader) Load(svc *initsvc.Service) ([]byte, error) {
	return StubImage(), nil
}
