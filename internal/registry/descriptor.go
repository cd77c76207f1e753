package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/filter"
)

// descriptorSearchPathEnv is the environment variable recognised for a test
// override of the client descriptor search path.
const descriptorSearchPathEnv = "CHANDISPATCH_CLIENT_DESCRIPTOR_PATH"

const descriptorSubdir = "chandispatch/clients"
const descriptorSuffix = ".client"

// SearchPaths returns the ordered list of directories descriptor files are
// looked up in: a test override (if set), the user's data directory, then
// the system data directories, each joined with the fixed sub-path.
func SearchPaths() []string {
	if override := os.Getenv(descriptorSearchPathEnv); override != "" {
		return []string{override}
	}

	var dirs []string
	if userData, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(userData, descriptorSubdir))
	}

	systemDirs := "/usr/local/share:/usr/share"
	if xdg := os.Getenv("XDG_DATA_DIRS"); xdg != "" {
		systemDirs = xdg
	}
	for _, d := range strings.Split(systemDirs, ":") {
		if d == "" {
			continue
		}
		dirs = append(dirs, filepath.Join(d, descriptorSubdir))
	}
	return dirs
}

// FindDescriptor looks up a client descriptor file for busName across
// SearchPaths, returning the first match.
func FindDescriptor(busName string) (string, bool) {
	name := busName + descriptorSuffix
	for _, dir := range SearchPaths() {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// Descriptor is the parsed form of a .client file.
type Descriptor struct {
	Capabilities   Capability
	BypassApproval bool

	Observer filter.ClientFilters
	Approver filter.ClientFilters
	Handler  filter.ClientFilters
}

// sectionKey identifies a "<Capability>.<FilterKind> <index>" header.
type sectionKey struct {
	capability string
	index      int
}

// ParseDescriptor parses the .client file grammar: an
// "Interfaces=" line naming capabilities, per-capability filter sections
// "<Capability>.<FilterKind> <index>" each holding "name <type-code>=value"
// entries, and an optional "BypassApproval=true" line under the Handler
// section.
func ParseDescriptor(r *bufio.Reader) (*Descriptor, error) {
	d := &Descriptor{}
	sections := map[sectionKey]channel.PropertyMap{}

	var currentSection *sectionKey
	lineNo := 0

	for {
		lineNo++
		line, err := r.ReadString('\n')
		if len(line) == 0 && err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			if err != nil {
				break
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			header := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			key, isFilterSection, parseErr := parseSectionHeader(header)
			if parseErr != nil {
				return nil, fmt.Errorf("descriptor line %d: %w", lineNo, parseErr)
			}
			if isFilterSection {
				currentSection = &key
				if _, ok := sections[key]; !ok {
					sections[key] = channel.PropertyMap{}
				}
				d.Capabilities |= capabilityFromName(key.capability)
			} else {
				currentSection = nil
			}

		case strings.HasPrefix(line, "Interfaces"):
			_, value, ok := strings.Cut(line, "=")
			if ok {
				for _, name := range strings.FieldsFunc(value, func(r rune) bool { return r == ' ' || r == ';' }) {
					d.Capabilities |= capabilityFromName(name)
				}
			}

		case strings.EqualFold(line, "BypassApproval=true"):
			d.BypassApproval = true

		case currentSection != nil:
			name, value, typeCode, parseErr := parseEntry(line)
			if parseErr != nil {
				// Unknown value types drop the individual entry with a
				// warning, not the whole client.
				continue
			}
			v, ok := decodeTypeCode(typeCode, value)
			if !ok {
				continue
			}
			sections[*currentSection][name] = v
		}

		if err != nil {
			break
		}
	}

	for key, props := range sections {
		f := filter.Filter{Entries: props}
		switch strings.ToLower(key.capability) {
		case "observer":
			d.Observer = append(d.Observer, f)
		case "approver":
			d.Approver = append(d.Approver, f)
		case "handler":
			d.Handler = append(d.Handler, f)
		}
	}

	return d, nil
}

func parseSectionHeader(header string) (sectionKey, bool, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return sectionKey{}, false, nil
	}
	capFilter := strings.SplitN(parts[0], ".", 2)
	if len(capFilter) != 2 {
		return sectionKey{}, false, nil
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return sectionKey{}, false, fmt.Errorf("bad filter index %q: %w", parts[1], err)
	}
	return sectionKey{capability: capFilter[0], index: idx}, true, nil
}

func capabilityFromName(name string) Capability {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "observer":
		return CapObserver
	case "approver":
		return CapApprover
	case "handler":
		return CapHandler
	case "requests":
		return CapRequests
	default:
		return 0
	}
}

// parseEntry splits a "name <type-code>=value" line.
func parseEntry(line string) (name, value, typeCode string, err error) {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", "", "", fmt.Errorf("missing '=' in entry %q", line)
	}
	key := strings.TrimSpace(line[:eq])
	value = line[eq+1:]

	sp := strings.LastIndex(key, " ")
	if sp < 0 {
		return "", "", "", fmt.Errorf("missing type code in entry %q", line)
	}
	name = strings.TrimSpace(key[:sp])
	typeCode = strings.TrimSpace(key[sp+1:])
	if name == "" || typeCode == "" {
		return "", "", "", fmt.Errorf("malformed entry %q", line)
	}
	return name, value, typeCode, nil
}

// Encode serialises d back into the descriptor grammar, in canonical form
// (capabilities sorted, one filter section per entry in Observer/Approver/
// Handler order).
func (d *Descriptor) Encode(w *bufio.Writer) error {
	var caps []string
	for _, c := range []struct {
		bit  Capability
		name string
	}{
		{CapObserver, "Observer"},
		{CapApprover, "Approver"},
		{CapHandler, "Handler"},
		{CapRequests, "Requests"},
	} {
		if d.Capabilities.Has(c.bit) {
			caps = append(caps, c.name)
		}
	}
	if _, err := fmt.Fprintf(w, "Interfaces=%s\n", strings.Join(caps, ";")); err != nil {
		return err
	}
	if d.BypassApproval {
		if _, err := w.WriteString("BypassApproval=true\n"); err != nil {
			return err
		}
	}

	for _, group := range []struct {
		name    string
		filters filter.ClientFilters
	}{
		{"Observer", d.Observer},
		{"Approver", d.Approver},
		{"Handler", d.Handler},
	} {
		for i, f := range group.filters {
			if _, err := fmt.Fprintf(w, "[%s.Filter %d]\n", group.name, i); err != nil {
				return err
			}
			for name, v := range f.Entries {
				code := encodeTypeCode(v.Kind)
				if _, err := fmt.Fprintf(w, "%s %s=%s\n", name, code, v.String()); err != nil {
					return err
				}
			}
		}
	}
	return w.Flush()
}

func encodeTypeCode(k channel.VariantKind) string {
	switch k {
	case channel.KindString:
		return "s"
	case channel.KindObjectPath:
		return "o"
	case channel.KindBool:
		return "b"
	case channel.KindInt64:
		return "x"
	case channel.KindUint64:
		return "t"
	default:
		return "s"
	}
}

// decodeTypeCode widens a raw value per its D-Bus-style type code into one
// of the four normalised variant kinds. Type codes: s=string,
// o=object-path, b=boolean, y=byte, n=int16, q=uint16, i=int32, u=uint32,
// x=int64, t=uint64.
func decodeTypeCode(typeCode, raw string) (channel.Variant, bool) {
	switch typeCode {
	case "s":
		return channel.String(raw), true
	case "o":
		return channel.ObjectPath(raw), true
	case "b":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Bool(b), true
	case "y":
		u, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Uint64(u), true
	case "n":
		i, err := strconv.ParseInt(raw, 10, 16)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Int64(i), true
	case "q":
		u, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Uint64(u), true
	case "i":
		i, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Int64(i), true
	case "u":
		u, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Uint64(u), true
	case "x":
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Int64(i), true
	case "t":
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return channel.Variant{}, false
		}
		return channel.Uint64(u), true
	default:
		return channel.Variant{}, false
	}
}
