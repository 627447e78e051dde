// Package prompt reads passwords from a terminal, or from a reader when input is not a
// terminal.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"

	"github.com/joncooperworks/custody/crypto"
)

// ErrEmptyPassword is returned when the user enters nothing.
var ErrEmptyPassword = errors.New("password cannot be empty")

// ErrPasswordMismatch is returned when a confirmation differs from the first entry.
var ErrPasswordMismatch = errors.New("passwords do not match")

// Prompter asks for passwords on Out and reads them from In. When In is a terminal,
// echo is disabled.
//
// Lines are read by one background read at a time. A prompt that gives up leaves that read
// in flight and the line it produces answers the next prompt.
type Prompter struct {
	In  *os.File
	Out io.Writer

	once  sync.Once
	turn  chan struct{}
	lines chan readResult
	// reading is set while a background read is in flight. Guarded by turn.
	reading bool
	reader  *bufio.Reader
}

type readResult struct {
	line string
	err  error
}

// Stdio returns a Prompter on stdin and stderr.
func Stdio() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stderr}
}

func (p *Prompter) acquire(ctx context.Context) (func(), error) {
	p.once.Do(func() {
		p.turn = make(chan struct{}, 1)
		p.lines = make(chan readResult, 1)
	})
	select {
	case p.turn <- struct{}{}:
		return func() { <-p.turn }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Password prints label and reads one password.
func (p *Prompter) Password(label string) (string, error) {
	return p.password(context.Background(), label)
}

func (p *Prompter) password(ctx context.Context, label string) (string, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return p.readLocked(ctx, label)
}

func (p *Prompter) readLocked(ctx context.Context, label string) (string, error) {
	fmt.Fprintf(p.Out, "%s: ", label)
	if !p.reading {
		p.reading = true
		go p.readLine()
	}

	var r readResult
	select {
	case r = <-p.lines:
		p.reading = false
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if r.err != nil {
		return "", fmt.Errorf("failed to read password: %w", r.err)
	}
	if r.line == "" {
		return "", ErrEmptyPassword
	}
	return r.line, nil
}

// readLine reads one line from In and hands it to whichever prompt is waiting.
func (p *Prompter) readLine() {
	if fd := int(p.In.Fd()); term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.Out)
		p.lines <- readResult{line: string(b), err: err}
		return
	}
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	s, err := p.reader.ReadString('\n')
	if err != nil && (err != io.EOF || s == "") {
		p.lines <- readResult{err: err}
		return
	}
	p.lines <- readResult{line: strings.TrimRight(s, "\r\n")}
}

// NewPassword reads a password and its confirmation.
func (p *Prompter) NewPassword(label string) (string, error) {
	ctx := context.Background()
	release, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	first, err := p.readLocked(ctx, label)
	if err != nil {
		return "", err
	}
	second, err := p.readLocked(ctx, "Confirm "+strings.ToLower(label[:1])+label[1:])
	if err != nil {
		return "", err
	}
	if first != second {
		return "", ErrPasswordMismatch
	}
	return first, nil
}

// RequestAuthentication implements account.Authenticator. The prompt gives up when ctx ends.
func (p *Prompter) RequestAuthentication(ctx context.Context, addr common.Address) (string, error) {
	return p.password(ctx, "Password for "+crypto.NormalizeAddress(addr))
}
