package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spanline/gateway/internal/providers"
)

const defaultChunkSize = 4 * 1024

// ErrClientGone reports that the caller went away mid-stream.
var ErrClientGone = errors.New("client disconnected")

// Relay forwards one upstream SSE stream to the caller. Provider parses the
// upstream events; Encoder writes the client-facing format. When both speak
// the same format frames are forwarded verbatim.
type Relay struct {
	Provider  providers.Provider
	Encoder   Encoder
	Stats     *Stats
	Logger    *slog.Logger
	ChunkSize int
}

type relayState struct {
	passthrough bool
	begun       bool
	ended       bool
	rc          *http.ResponseController
}

// Passthrough reports whether upstream frames are forwarded unchanged.
func (r *Relay) Passthrough() bool {
	return r.Provider.Format() == r.Encoder.Format()
}

// Run relays until the upstream terminates, hits EOF, fails, or ctx is
// cancelled. acc receives every parsed signal. A nil error covers both a
// clean end and a truncated upstream; acc.Done tells them apart.
func (r *Relay) Run(ctx context.Context, upstream io.Reader, w http.ResponseWriter, acc *Accumulator) (err error) {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	size := r.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	state := &relayState{
		passthrough: r.Passthrough(),
		rc:          http.NewResponseController(w),
	}
	defer func() {
		r.Stats.record(r.Provider.Name(), state.passthrough, acc, errors.Is(err, ErrClientGone))
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := state.flush(); err != nil {
		return err
	}

	framer := NewFramer()
	buf := make([]byte, size)
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, ctxErr)
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			for _, frame := range framer.Feed(buf[:n]) {
				done, err := r.handle(w, frame, acc, state)
				if err != nil || done {
					return err
				}
			}
		}
		if readErr == nil {
			continue
		}

		if errors.Is(readErr, io.EOF) {
			for _, frame := range framer.Flush() {
				done, err := r.handle(w, frame, acc, state)
				if err != nil || done {
					return err
				}
			}
			return r.terminate(w, acc, state)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, ctxErr)
		}
		// Close the client stream so it does not hang on a dead upstream.
		if termErr := r.terminate(w, acc, state); termErr != nil {
			r.Logger.Debug("could not terminate client stream", "error", termErr)
		}
		return fmt.Errorf("read upstream stream: %w", readErr)
	}
}

func (r *Relay) handle(w io.Writer, frame Frame, acc *Accumulator, state *relayState) (bool, error) {
	chunk, err := r.Provider.ParseStreamChunk(frame.Event, frame.Data)
	if err != nil || chunk == nil {
		acc.Skipped++
		r.Logger.Debug("skipping malformed stream frame",
			"provider", r.Provider.Name(),
			"event", frame.Event,
			"error", err,
		)
		return false, nil
	}
	acc.Apply(chunk)

	if state.passthrough {
		if chunk.Start || chunk.Delta != "" {
			state.begun = true
		}
		if _, err := w.Write(frame.Raw); err != nil {
			return false, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		if chunk.Done {
			state.ended = true
		}
		return chunk.Done, state.flush()
	}

	wrote := false
	if (chunk.Start || chunk.Delta != "") && !state.begun {
		if err := r.Encoder.Begin(w, acc); err != nil {
			return false, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		state.begun = true
		wrote = true
	}
	if chunk.Delta != "" {
		if err := r.Encoder.Delta(w, chunk.Delta); err != nil {
			return false, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		wrote = true
	}
	if chunk.Done {
		return true, r.terminate(w, acc, state)
	}
	if wrote {
		return false, state.flush()
	}
	return false, nil
}

// terminate writes the terminal chunk and end marker once.
func (r *Relay) terminate(w io.Writer, acc *Accumulator, state *relayState) error {
	if state.ended {
		return nil
	}
	state.ended = true
	if !state.begun {
		if err := r.Encoder.Begin(w, acc); err != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		state.begun = true
	}
	if err := r.Encoder.End(w, acc); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return state.flush()
}

func (s *relayState) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}
