package lookout

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

type safeBuffer struct {
	mutex sync.Mutex
	buf   *bytes.Buffer
}

func newSafeBuffer() *safeBuffer {
	return &safeBuffer{buf: &bytes.Buffer{}}
}

func (b *safeBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.buf.String()
}

func (b *safeBuffer) Write(d []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	n, err := b.buf.Write(d)
	if err != nil {
		return n, fmt.Errorf("could not write to buffer: %w", err)
	}

	return n, nil
}

// TakeLines removes and returns every complete line in the buffer. A
// trailing partial line is kept unless all is set.
func (b *safeBuffer) TakeLines(all bool) []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	data := b.buf.Bytes()

	end := bytes.LastIndexByte(data, '\n') + 1
	if all {
		end = len(data)
	}

	if end == 0 {
		return nil
	}

	chunk := string(b.buf.Next(end))

	return strings.Split(strings.TrimSuffix(chunk, "\n"), "\n")
}
