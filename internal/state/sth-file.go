package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"git.glasklar.is/sigsum/dependencies/safefile"

	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/log"
)

// STHFile persists the most recent verified upstream tree head, so
// that a restarted node resumes verification from it rather than
// trusting whatever the upstream log serves.
type STHFile struct {
	name string
}

type StartupMode int

const (
	// Use previously saved sth file, if any.
	StartupSaved StartupMode = iota
	// Ignore any saved sth file, and start without a baseline.
	StartupEmpty

	StartupFileSuffix = ".startup"
)

type SignatureVerifier interface {
	VerifySignature(types.SignedTreeHead) error
}

func NewSTHFile(name string) STHFile {
	return STHFile{name: name}
}

func (s STHFile) Name() string {
	return s.name
}

func (s STHFile) startupFileName() string {
	return s.name + StartupFileSuffix
}

func parseStartupFile(f io.Reader) (StartupMode, error) {
	scanner := bufio.NewScanner(f)
	// Only read first line.
	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("startup file empty")
		}
		return StartupSaved, err
	}

	line := strings.SplitN(
		strings.TrimSpace(scanner.Text()),
		"=", 2)
	if len(line) != 2 || line[0] != "startup" {
		return StartupSaved, fmt.Errorf("missing startup= keyword in startup file")
	}
	switch mode := line[1]; mode {
	case "saved":
		return StartupSaved, nil
	case "empty":
		return StartupEmpty, nil
	default:
		return StartupSaved, fmt.Errorf("invalid startup mode %q", mode)
	}
}

func (s STHFile) Startup() (StartupMode, error) {
	f, err := os.Open(s.startupFileName())
	if errors.Is(err, fs.ErrNotExist) {
		return StartupSaved, nil
	}
	if err != nil {
		return StartupSaved, err
	}
	defer f.Close()
	return parseStartupFile(f)
}

// Load reads the saved tree head and checks its signature. A missing
// file is reported as an error matching fs.ErrNotExist.
func (s STHFile) Load(v SignatureVerifier) (types.SignedTreeHead, error) {
	data, err := os.ReadFile(s.name)
	if err != nil {
		return types.SignedTreeHead{}, err
	}
	var sth types.SignedTreeHead
	if err := json.Unmarshal(data, &sth); err != nil {
		return types.SignedTreeHead{}, fmt.Errorf("invalid sth file %q: %w", s.name, err)
	}
	if err := v.VerifySignature(sth); err != nil {
		return types.SignedTreeHead{}, fmt.Errorf("invalid signature in file %q: %w", s.name, err)
	}
	return sth, nil
}

// Restore returns the baseline to start from, according to the
// startup mode. The second return value is false if there is none.
func (s STHFile) Restore(v SignatureVerifier) (types.SignedTreeHead, bool, error) {
	mode, err := s.Startup()
	if err != nil {
		return types.SignedTreeHead{}, false, err
	}
	if mode == StartupEmpty {
		log.Info("ignoring saved sth file %q, as requested by startup file", s.name)
		return types.SignedTreeHead{}, false, nil
	}
	sth, err := s.Load(v)
	if errors.Is(err, fs.ErrNotExist) {
		return types.SignedTreeHead{}, false, nil
	}
	if err != nil {
		return types.SignedTreeHead{}, false, err
	}
	return sth, true, nil
}

// Store atomically replaces the sth file. On success, any startup file
// is deleted, since the new file is the baseline from now on.
func (s STHFile) Store(sth types.SignedTreeHead) error {
	data, err := json.Marshal(sth)
	if err != nil {
		return err
	}
	f, err := safefile.Create(s.name, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := f.Commit(); err != nil {
		return err
	}
	if err := os.Remove(s.startupFileName()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (m StartupMode) String() string {
	switch m {
	case StartupSaved:
		return "saved"
	case StartupEmpty:
		return "empty"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// WriteStartup creates the startup file, which must not already exist.
// It is meant for an administrator tool, not to be run while a mirror
// using the same file is starting up.
func (s STHFile) WriteStartup(mode StartupMode) error {
	f, err := safefile.Create(s.startupFileName(), 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "startup=%s\n", mode); err != nil {
		return err
	}
	if err := f.CommitIfNotExists(); err != nil {
		return fmt.Errorf("creating startup file %q: %w", s.startupFileName(), err)
	}
	return nil
}
