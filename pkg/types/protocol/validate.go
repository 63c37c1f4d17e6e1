package protocol

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Worker names and artifact key segments become file names and store keys,
// so they are restricted to a path-safe alphabet.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const maxNameLength = 128

// ValidateWorkerName checks that name is usable as a coordination table key
// and a report document name.
func ValidateWorkerName(name string) error {
	if name == "" {
		return errors.New("worker name is empty")
	}
	if len(name) > maxNameLength {
		return errors.Errorf("worker name exceeds %d characters", maxNameLength)
	}
	if !nameRe.MatchString(name) {
		return errors.Errorf("invalid worker name %q: must start with an alphanumeric and contain only [A-Za-z0-9._-]", name)
	}
	return nil
}

// ValidateArtifactKey checks that key is usable as an artifact store key.
// Keys are slash-separated so workers can organize their own taxonomy;
// every segment must be path-safe and never a relative traversal.
func ValidateArtifactKey(key string) error {
	if key == "" {
		return errors.New("artifact key is empty")
	}
	if len(key) > 4*maxNameLength {
		return errors.Errorf("artifact key exceeds %d characters", 4*maxNameLength)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return errors.Errorf("invalid artifact key %q: must not start or end with a slash", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return errors.Errorf("invalid artifact key %q: empty or relative segment", key)
		}
		if !nameRe.MatchString(segment) {
			return errors.Errorf("invalid artifact key segment %q: must start with an alphanumeric and contain only [A-Za-z0-9._-]", segment)
		}
	}
	return nil
}
