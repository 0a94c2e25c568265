package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/babelcast/internal/config"
	"github.com/MrWong99/babelcast/internal/history"
	"github.com/MrWong99/babelcast/internal/session"
	"github.com/MrWong99/babelcast/pkg/audio"
)

// errQuit ends the command loop on "quit".
var errQuit = errors.New("quit requested")

// controller is the part of [session.Controller] the console drives.
type controller interface {
	Start(ctx context.Context, lang string) error
	Stop() error
	ChangeLanguage(ctx context.Context, lang string) error
	Status() session.Status
}

// console is the terminal front end: it reads commands, prints results as
// they arrive and records translations in the history store. It implements
// [session.Observer].
type console struct {
	ctrl  controller
	saved *history.Store

	mu       sync.Mutex
	out      io.Writer
	lang     string
	lastSeen map[string]string
}

var _ session.Observer = (*console)(nil)

func newConsole(out io.Writer, saved *history.Store, lang string) *console {
	return &console{
		out:      out,
		saved:    saved,
		lang:     lang,
		lastSeen: make(map[string]string),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

// run executes commands read from in until ctx ends or "quit" is entered.
// A closed input disables commands but keeps the client running.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				slog.Debug("stdin closed, commands disabled")
				lines = nil
				continue
			}
			if err := c.exec(ctx, line); err != nil {
				return err
			}
		}
	}
}

// exec runs one command line. Only "quit" returns an error.
func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "start":
		if err := c.start(ctx); err != nil {
			c.printf("start failed: %v\n", err)
		}
	case "stop":
		if err := c.ctrl.Stop(); err != nil {
			c.printf("stopped with errors: %v\n", err)
		}
	case "lang":
		if len(fields) != 2 {
			c.printf("usage: lang <code>\n")
			return nil
		}
		c.changeLanguage(ctx, fields[1])
	case "status":
		c.printStatus()
	case "saved":
		c.printSaved()
	case "level":
		c.printLevel()
	case "help":
		c.printf("commands: start, stop, lang <code>, status, level, saved, quit\n")
	case "quit", "exit":
		return errQuit
	default:
		c.printf("unknown command %q, type 'help'\n", fields[0])
	}
	return nil
}

func (c *console) start(ctx context.Context) error {
	return c.ctrl.Start(ctx, c.language())
}

// changeLanguage records code as the target for future sessions and applies
// it to the running one, if any.
func (c *console) changeLanguage(ctx context.Context, code string) {
	if err := config.ValidateLanguage(code); err != nil {
		c.printf("invalid language: %v\n", err)
		return
	}
	c.mu.Lock()
	c.lang = code
	c.mu.Unlock()

	err := c.ctrl.ChangeLanguage(ctx, code)
	switch {
	case errors.Is(err, session.ErrNotActive):
		c.printf("target language set to %s, applies on next start\n", code)
	case err != nil:
		c.printf("language change failed: %v\n", err)
	default:
		c.printf("now translating into %s\n", code)
	}
}

func (c *console) printStatus() {
	st := c.ctrl.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "state:       %s\n", st.State)
	if st.SessionID == "" {
		fmt.Fprintf(c.out, "language:    %s (next start)\n", c.lang)
		return
	}
	fmt.Fprintf(c.out, "session:     %s\n", st.SessionID)
	fmt.Fprintf(c.out, "language:    %s\n", st.Language)
	fmt.Fprintf(c.out, "started:     %s\n", st.StartedAt.Format(time.TimeOnly))
	fmt.Fprintf(c.out, "heard:       %s\n", st.Result.Transcription)
	fmt.Fprintf(c.out, "detected:    %s\n", st.Result.DetectedLanguage)
	fmt.Fprintf(c.out, "translation: %s\n", st.Result.Translation)
}

// levelWidth is the number of cells in the level meter.
const levelWidth = 32

// printLevel draws the current input level as a bar scaled to 0-255.
func (c *console) printLevel() {
	st := c.ctrl.Status()
	if st.State != session.StateActive {
		c.printf("level: no active session\n")
		return
	}
	filled := min(int(st.Level/255*levelWidth+0.5), levelWidth)
	c.printf("level: %3.0f %s%s\n", st.Level, strings.Repeat("█", filled), strings.Repeat("░", levelWidth-filled))
}

func (c *console) printSaved() {
	entries := c.saved.List()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no saved translations")
		return
	}
	for i, e := range entries {
		fmt.Fprintf(c.out, "%3d  %s  [%s] %s → %s\n", i+1, e.At.Format(time.TimeOnly), e.DetectedLanguage, e.Transcription, e.Translation)
	}
}

// SessionStateChanged implements [session.Observer]. Every session is started
// with the console's current language, so that is the one reported.
func (c *console) SessionStateChanged(_ string, st session.State) {
	switch st {
	case session.StateActive:
		c.printf("● listening, translating into %s\n", c.language())
	case session.StateClosed, session.StateIdle:
		c.printf("■ session %s\n", st)
	}
}

// ResultUpdated implements [session.Observer]. Each distinct translation is
// printed and saved once.
func (c *console) ResultUpdated(sessionID string, r session.Result) {
	c.mu.Lock()
	fresh := r.Translation != "" && c.lastSeen[sessionID] != r.Translation
	if fresh {
		c.lastSeen[sessionID] = r.Translation
	}
	if r.Transcription != "" {
		fmt.Fprintf(c.out, "  heard (%s): %s\n", r.DetectedLanguage, r.Transcription)
	}
	if fresh {
		fmt.Fprintf(c.out, "  → %s\n", r.Translation)
	}
	c.mu.Unlock()

	if fresh {
		c.saved.Add(history.Entry{
			SessionID:        sessionID,
			Transcription:    r.Transcription,
			DetectedLanguage: r.DetectedLanguage,
			Translation:      r.Translation,
			At:               time.Now(),
		})
	}
}

// SegmentSent implements [session.Observer].
func (c *console) SegmentSent(string, *audio.AudioSegment) {}

// SessionError implements [session.Observer].
func (c *console) SessionError(_ string, err error) {
	c.printf("! %v\n", err)
}
