package process

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// StreamType identifies which output channel a line came from.
type StreamType string

const (
	Stdout StreamType = "stdout"
	Stderr StreamType = "stderr"
)

// DefaultDrainTimeout is how long output is still read after the process
// exited. Orphaned grandchildren can keep a pipe open indefinitely.
const DefaultDrainTimeout = 2 * time.Second

// LineFunc receives one output line without its line terminator.
type LineFunc func(line string, stream StreamType)

// Streamer delivers process output incrementally.
type Streamer struct {
	DrainTimeout time.Duration
}

// Stream reads stdout and stderr concurrently and calls onLine once per line as
// data arrives. Calls are serialized; order is preserved within each stream but
// not across streams. A final line without a terminator is still delivered.
// Stream blocks until the process has exited and its output is drained. The
// exit status is not reported here; read it from the Handle.
func (s Streamer) Stream(h *Handle, onLine LineFunc) {
	drain := s.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	var mu sync.Mutex
	emit := func(line string, st StreamType) {
		mu.Lock()
		defer mu.Unlock()
		onLine(line, st)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(h.stdout, Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		readLines(h.stderr, Stderr, emit)
	}()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	<-h.done

	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		h.closePipes()
		<-drained
	}
	h.closePipes()
}

// Stream is Streamer{}.Stream with the default drain timeout.
func Stream(h *Handle, onLine LineFunc) {
	Streamer{}.Stream(h, onLine)
}

func readLines(r io.Reader, st StreamType, emit func(string, StreamType)) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			emit(strings.TrimRight(line, "\r\n"), st)
		}
		if err != nil {
			return
		}
	}
}
