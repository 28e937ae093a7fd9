package dmabuf

import (
	"fmt"
	"io"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// DebugReport writes a listing of every live buffer: size, reference count,
// exporter name, assigned name, attached devices, and the reservation's
// fence state. Read-only; each buffer's reservation lock is taken briefly to
// snapshot its attachment list.
func DebugReport(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "%-8s %-8s %-16s %-16s %s\n",
		"size", "refs", "exporter", "name", "ino")

	count := 0
	var total uint64
	for b := IterBegin(); b != nil; b = IterNext(b) {
		count++
		total += b.Size()

		name := b.Name()
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(buf, "%-8d %-8d %-16s %-16s %d\n",
			b.Size(), b.Refs(), b.ExporterName(), name, b.Inode())

		b.rsv.Describe(buf)

		b.rsv.Lock()
		devs := b.Attachments()
		b.rsv.Unlock()
		if len(devs) > 0 {
			fmt.Fprintf(buf, "\tattached devices: %s\n", strings.Join(devs, ", "))
		}
		fmt.Fprintf(buf, "\ttotal %d devices attached\n\n", len(devs))
	}

	fmt.Fprintf(buf, "\ntotal %d objects, %d bytes\n", count, total)

	_, err := w.Write(buf.Bytes())
	return err
}
