// keys/command.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keys

import (
	"bytes"
	"github.com/cockroachdb/errors"
	"os"
	"os/exec"
	"strings"
)

// AgeCommand implements Capability by running the age command-line tool
// as a subprocess. It's useful when identities live somewhere only the
// age binary (or one of its plugins) can reach, e.g. a hardware token.
type AgeCommand struct {
	// Path to the age binary; "age" (found via $PATH) if empty.
	Path string
}

func (a AgeCommand) binary() string {
	if a.Path == "" {
		return "age"
	}
	return a.Path
}

func (a AgeCommand) run(stdin []byte, args ...string) ([]byte, error) {
	log.Debug("running %s %s", a.binary(), strings.Join(args, " "))
	cmd := exec.Command(a.binary(), args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		return nil, errors.Wrapf(err, "%s: %s", a.binary(), msg)
	}
	return stdout.Bytes(), nil
}

func (a AgeCommand) Wrap(plaintext []byte, recipient string) ([]byte, error) {
	return a.run(plaintext, "--encrypt", "--armor", "--recipient", strings.TrimSpace(recipient))
}

func (a AgeCommand) Unwrap(armored []byte, identities []string) ([]byte, error) {
	args := []string{"--decrypt"}
	for _, id := range identities {
		if isLiteralIdentity(id) {
			// age only takes identities from files.
			fn, err := writeIdentityFile(id)
			if err != nil {
				return nil, err
			}
			defer os.Remove(fn)
			id = fn
		}
		args = append(args, "--identity", id)
	}
	if len(identities) == 0 {
		return nil, errors.Mark(errors.New("no identities given"), ErrKeyAuthentication)
	}

	b, err := a.run(armored, args...)
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			// age exits with status 1 for all decryption failures; by
			// far the most common is that no identity matched.
			return nil, errors.Mark(err, ErrKeyAuthentication)
		}
		return nil, err
	}
	return b, nil
}

func writeIdentityFile(id string) (string, error) {
	f, err := os.CreateTemp("", "baq-identity-")
	if err != nil {
		return "", errors.Wrap(err, "identity file")
	}
	// CreateTemp uses mode 0600.
	if _, err := f.WriteString(strings.TrimSpace(id) + "\n"); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrap(err, "identity file")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, "identity file")
	}
	return f.Name(), nil
}
