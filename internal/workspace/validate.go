package workspace

import "fmt"

const (
	maxNameLen = 64
	// sun_path is 104 bytes on the BSDs and 108 on Linux, including the NUL.
	maxSocketPath = 103
)

// NameError reports a workspace name that cannot be used.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid workspace name %q: %s", e.Name, e.Reason)
}

// ValidateName checks that name can be used as a directory and that the
// daemon socket inside it stays bindable. Names are lowercase letters,
// digits, '-' and '_', and start with a letter or digit so they are never
// taken for a flag.
func ValidateName(name string) error {
	if reason := nameProblem(name); reason != "" {
		return &NameError{Name: name, Reason: reason}
	}
	return nil
}

func nameProblem(name string) string {
	switch {
	case name == "":
		return "empty"
	case len(name) > maxNameLen:
		return fmt.Sprintf("longer than %d bytes", maxNameLen)
	case name[0] == '-' || name[0] == '_':
		return "must start with a letter or digit"
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; !isNameByte(c) {
			return fmt.Sprintf("byte %q at %d is not one of a-z 0-9 - _", c, i)
		}
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return fmt.Sprintf("socket path %s is %d bytes, the limit is %d", p, len(p), maxSocketPath)
	}
	return ""
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}
