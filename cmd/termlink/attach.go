package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/user/termlink/internal/coalesce"
	"github.com/user/termlink/internal/connstate"
	"github.com/user/termlink/internal/remotepty"
	"github.com/user/termlink/internal/terminal"
)

const (
	// detachKey is Ctrl-]. It only works on a raw tty.
	detachKey = 0x1d
	eot       = 0x04

	// resizeInterval collapses a burst of SIGWINCH into one resize.
	resizeInterval = 50 * time.Millisecond

	defaultCols = 80
	defaultRows = 24
)

type attachOptions struct {
	local   bool
	cwd     string
	command string
}

func newAttachCmd(root *rootOptions) *cobra.Command {
	var opts attachOptions
	cmd := &cobra.Command{
		Use:   "attach [terminal-id]",
		Short: "Open or resume a terminal and attach this tty to it",
		Long: "Open or resume a terminal and attach this tty to it.\n\n" +
			"A remote terminal survives network drops and is resumed by running\n" +
			"attach again with the same terminal id. Ctrl-] detaches.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terminalID := ""
			if len(args) == 1 {
				terminalID = args[0]
			}
			if opts.command == "" {
				opts.command = root.cfg.Shell
			}
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.attach(cmd.Context(), terminalID, opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&opts.local, "local", false, "run the terminal on this machine")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "working directory for a new terminal")
	cmd.Flags().StringVar(&opts.command, "command", "", "command for a local terminal (default: configured shell)")
	return cmd
}

func (a *app) attach(ctx context.Context, terminalID string, opts attachOptions, in io.Reader, out, errOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	wait := a.background(ctx)
	defer func() {
		cancel()
		_ = wait()
	}()

	ttyFd := -1
	cols, rows := defaultCols, defaultRows
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		ttyFd = int(f.Fd())
		if w, h, err := term.GetSize(ttyFd); err == nil {
			cols, rows = w, h
		}
	}

	var kind terminal.BackendKind
	if opts.local {
		kind = terminal.BackendLocal
	}
	p, err := a.spawner.SpawnTerminal(ctx, terminalID, terminal.Options{
		Kind:    kind,
		Command: opts.command,
		Cwd:     opts.cwd,
	}, cols, rows)
	if err != nil {
		return err
	}
	if p == nil {
		return errors.New("no terminal backend available: set --server-url or use --local")
	}

	exited := make(chan terminal.ExitEvent, 1)
	p.OnExit(func(ev terminal.ExitEvent) {
		select {
		case exited <- ev:
		default:
		}
	})

	remote, isRemote := p.(*remotepty.Terminal)
	if isRemote {
		_, _ = fmt.Fprintf(errOut, "[termlink: terminal %s, session %s]\r\n", p.TerminalID(), p.SessionID())
		var mu sync.Mutex
		last := a.store.Status()
		unsub := a.store.Subscribe(func(st connstate.State) {
			mu.Lock()
			defer mu.Unlock()
			if st.Status == last {
				return
			}
			last = st.Status
			_, _ = fmt.Fprintf(errOut, "\r\n[termlink: %s]\r\n", st.Status)
		})
		defer unsub()
	}

	if ttyFd >= 0 {
		oldState, err := term.MakeRaw(ttyFd)
		if err != nil {
			_ = p.Kill()
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(ttyFd, oldState)
	}
	p.OnData(func(b []byte) { _, _ = out.Write(b) })

	detached := make(chan struct{})
	go a.pumpInput(p, in, ttyFd >= 0, detached)

	resizes := coalesce.New[[2]int](resizeInterval, nil, func(_ string, size [2]int) {
		if err := p.Resize(size[0], size[1]); err != nil {
			a.logger.Debug("resize not delivered", "terminal_id", p.TerminalID(), "error", err)
		}
	})
	defer resizes.Stop()

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGWINCH, syscall.SIGCONT)
	defer signal.Stop(sigs)

	leave := func() {
		if isRemote {
			remote.Detach()
			_, _ = fmt.Fprintf(errOut, "\r\n[termlink: detached from %s]\r\n", p.TerminalID())
			return
		}
		_ = p.Kill()
	}

	for {
		select {
		case ev := <-exited:
			if errors.Is(ev.Err, remotepty.ErrReconnectExhausted) {
				_, _ = fmt.Fprintf(errOut, "\r\n[termlink: gave up reconnecting; attach to %s again to resume session %s]\r\n", p.TerminalID(), p.SessionID())
			}
			if ev.Code != 0 {
				return &exitCodeError{code: ev.Code}
			}
			return nil
		case <-detached:
			leave()
			return nil
		case <-ctx.Done():
			leave()
			return nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGWINCH:
				if ttyFd < 0 {
					continue
				}
				if w, h, err := term.GetSize(ttyFd); err == nil {
					resizes.Add(p.TerminalID(), [2]int{w, h})
				}
			case syscall.SIGCONT:
				a.monitor.SetVisible(true)
			}
		}
	}
}

// pumpInput forwards stdin to p. On a raw tty the detach key closes
// detached; on a pipe, EOF is passed on as Ctrl-D.
func (a *app) pumpInput(p terminal.PTY, in io.Reader, raw bool, detached chan<- struct{}) {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if raw {
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					a.forward(p, chunk[:i])
					close(detached)
					return
				}
			}
			a.forward(p, chunk)
		}
		if err != nil {
			if !raw && errors.Is(err, io.EOF) {
				a.forward(p, []byte{eot})
			}
			return
		}
	}
}

func (a *app) forward(p terminal.PTY, data []byte) {
	if len(data) == 0 {
		return
	}
	if err := p.Write(data); err != nil {
		a.logger.Debug("input dropped", "terminal_id", p.TerminalID(), "error", err)
	}
}
