// Package robotlink speaks newline-delimited JSON with the robot base over a
// serial port: dock, state, odometry and reset reports come in, waypoint and
// undock commands go out.
package robotlink

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/robot"
)

var ErrWriteFailed = errors.New("failed to write to robot link")

// Applier receives decoded robot messages.
type Applier interface {
	Apply(robot.Message) error
}

// outbound is a command line sent to the robot base.
type outbound struct {
	Type string    `json:"type"`
	Data []float32 `json:"data,omitempty"`
}

// Link multiplexes a single serial port: one reader feeds the Applier and any
// debug subscribers, writers are serialized.
type Link struct {
	port Port
	sink Applier

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// New creates a Link over port delivering messages to sink.
func New(port Port, sink Applier) *Link {
	return &Link{
		port:        port,
		sink:        sink,
		subscribers: make(map[string]chan string),
	}
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving raw inbound lines.
func (l *Link) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	l.subscribers[id] = ch
	return id, ch
}

func (l *Link) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// SendWaypoint writes a waypoint command line.
func (l *Link) SendWaypoint(cmd policy.Command) error {
	return l.send(outbound{Type: "waypoint", Data: cmd[:]})
}

// Undock asks the base to leave its dock.
func (l *Link) Undock() error {
	return l.send(outbound{Type: "undock"})
}

func (l *Link) send(msg outbound) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.commandMu.Lock()
	defer l.commandMu.Unlock()
	n, err := l.port.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the port until ctx is cancelled or the port
// closes. Malformed lines are logged and skipped.
func (l *Link) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(l.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			l.closingMu.Lock()
			closing := l.closing
			l.closingMu.Unlock()
			if closing {
				return nil
			}
			l.handle(line)
		}
	}
}

func (l *Link) handle(line string) {
	if line == "" {
		return
	}
	msg, err := robot.ParseMessage([]byte(line))
	if err != nil {
		monitoring.Logf("[RobotLink] skipping line %q: %v", line, err)
	} else if err := l.sink.Apply(msg); err != nil {
		monitoring.Logf("[RobotLink] failed to apply %s message: %v", msg.Type, err)
	}

	l.subscriberMu.Lock()
	for _, ch := range l.subscribers {
		select {
		case ch <- line:
		default:
			// slow subscriber; drop rather than block the reader
		}
	}
	l.subscriberMu.Unlock()
}

// Close closes subscriber channels and the port.
func (l *Link) Close() error {
	l.closingMu.Lock()
	l.closing = true
	l.closingMu.Unlock()

	l.subscriberMu.Lock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()
	return l.port.Close()
}

// AttachAdminRoutes registers a live tail of inbound robot lines under /debug/.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("robotlink-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
