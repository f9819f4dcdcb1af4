package kernel

// fd.go defines per-thread file descriptors.

import "fmt"

// FDKind tags the variant of a descriptor.
type FDKind uint8

// Descriptor kinds.
const (
	FDFile FDKind = iota
	FDPipe
	FDSocket
)

// FileDesc is one entry of a thread's descriptor table. The meaning of the fields depends
// on Kind: files carry an inode and a read offset, pipe descriptors name an end of a pipe,
// sockets reference the socket table.
type FileDesc struct {
	Kind FDKind

	// File fields.
	InodeID uint32
	Offset  uint32
	Flags   uint32

	// Pipe fields.
	PipeID    uint32
	WriteSide bool

	// Socket fields.
	SocketID uint32
}

func (fd *FileDesc) String() string {
	switch fd.Kind {
	case FDFile:
		return fmt.Sprintf("file(inode=%d,off=%d)", fd.InodeID, fd.Offset)
	case FDPipe:
		side := "r"
		if fd.WriteSide {
			side = "w"
		}

		return fmt.Sprintf("pipe(%d,%s)", fd.PipeID, side)
	case FDSocket:
		return fmt.Sprintf("socket(%d)", fd.SocketID)
	default:
		return "fd(?)"
	}
}

// lookupFD returns the descriptor bound to index fd, or nil.
func (t *TCB) lookupFD(fd uint32) *FileDesc {
	if int(fd) >= len(t.FDs) {
		return nil
	}

	return t.FDs[fd]
}

// installFD binds desc to the lowest free slot and returns its index. The first three
// slots are reserved for the standard streams.
func (t *TCB) installFD(desc *FileDesc) uint32 {
	for len(t.FDs) < 3 {
		t.FDs = append(t.FDs, nil)
	}

	for i := 3; i < len(t.FDs); i++ {
		if t.FDs[i] == nil {
			t.FDs[i] = desc
			return uint32(i)
		}
	}

	t.FDs = append(t.FDs, desc)

	return uint32(len(t.FDs) - 1)
}

// releaseFD unbinds and returns the descriptor at index fd.
func (t *TCB) releaseFD(fd uint32) *FileDesc {
	if int(fd) >= len(t.FDs) {
		return nil
	}

	desc := t.FDs[fd]
	t.FDs[fd] = nil

	return desc
}
