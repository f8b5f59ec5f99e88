package bridge

import (
	"context"
	"io"

	"github.com/linuxwasm/hostrt/memory"
)

// Console turns the embedding page's console surface — a writer for guest
// output, and key events injected from outside — into the two blocking
// host calls the kernel imports: console_put and console_get.
type Console struct {
	km  *memory.KernelMemory
	out io.Writer
	in  chan byte
}

// NewConsole wires out as the sink for guest writes. Input arrives only
// through InjectKey; until some is injected, ConsoleGet blocks.
func NewConsole(km *memory.KernelMemory, out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}

	return &Console{km: km, out: out, in: make(chan byte, 4096)}
}

// InjectKey feeds bytes into the console's input queue, as the embedding
// page does on a keypress. Never blocks: a full queue drops the oldest
// byte rather than stalling whatever goroutine is forwarding page events.
func (c *Console) InjectKey(data []byte) {
	for _, b := range data {
		select {
		case c.in <- b:
		default:
			select {
			case <-c.in:
			default:
			}
			c.in <- b
		}
	}
}

// Put implements the console_put host callback: write length bytes from
// kernel memory at addr to the console sink.
func (c *Console) Put(ctx context.Context, addr, length uint32) int32 {
	buf := make([]byte, length)
	if err := c.km.ReadAt(buf, addr); err != nil {
		return -1
	}

	m := NewMessenger()
	m.Begin()

	n, err := c.out.Write(buf)
	if err != nil {
		m.Complete(StatusError)
	} else {
		m.Complete(StatusOK, int32(n))
	}

	status, results, err := m.Wait(ctx)
	if err != nil || status != StatusOK {
		return -1
	}

	return results[0]
}

// Get implements the console_get host callback: block for at least one
// byte of injected input, then copy up to maxLen bytes into kernel memory
// at addr without blocking further.
func (c *Console) Get(ctx context.Context, addr, maxLen uint32) int32 {
	if maxLen == 0 {
		return 0
	}

	m := NewMessenger()
	m.Begin()

	buf := make([]byte, 0, maxLen)

	select {
	case b := <-c.in:
		buf = append(buf, b)
	case <-ctx.Done():
		m.Complete(StatusError)
		return -1
	}

	for uint32(len(buf)) < maxLen {
		select {
		case b := <-c.in:
			buf = append(buf, b)
		default:
			goto done
		}
	}
done:

	if err := c.km.WriteAt(buf, addr); err != nil {
		m.Complete(StatusError)
		return -1
	}

	m.Complete(StatusOK, int32(len(buf)))

	status, results, err := m.Wait(ctx)
	if err != nil || status != StatusOK {
		return -1
	}

	return results[0]
}
