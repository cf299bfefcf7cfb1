package instruments

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
)

// Instrument maps a provider security id to a display name. Rows come from
// the mapping CSV maintained alongside the service.
type Instrument struct {
	SecurityID  string `csv:"SECURITY_ID"`
	CompanyName string `csv:"CompanyName"`
}

// Group is the set of instruments subscribed over a single provider
// connection.
type Group struct {
	ID          string
	SecurityIDs []string
}

// Universe is the loaded instrument mapping.
type Universe struct {
	ids  []string
	byID map[string]string
}

// Load reads the mapping CSV. Rows without a security id are skipped;
// duplicate ids keep the first occurrence.
func Load(path string) (*Universe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instrument mapping %s: %w", path, err)
	}
	defer f.Close()

	var rows []*Instrument
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("parse instrument mapping %s: %w", path, err)
	}

	u := &Universe{byID: make(map[string]string, len(rows))}
	for _, row := range rows {
		if row.SecurityID == "" {
			continue
		}
		if _, seen := u.byID[row.SecurityID]; seen {
			continue
		}
		name := row.CompanyName
		if name == "" {
			name = row.SecurityID
		}
		u.byID[row.SecurityID] = name
		u.ids = append(u.ids, row.SecurityID)
	}

	if len(u.ids) == 0 {
		return nil, fmt.Errorf("instrument mapping %s contains no usable rows", path)
	}
	return u, nil
}

// Len returns the number of mapped instruments.
func (u *Universe) Len() int {
	return len(u.ids)
}

// Company resolves a security id to its display name.
func (u *Universe) Company(securityID string) (string, bool) {
	name, ok := u.byID[securityID]
	return name, ok
}

// Groups splits the universe into connection-sized symbol groups, preserving
// CSV order.
func (u *Universe) Groups(size int) []Group {
	if size <= 0 {
		size = len(u.ids)
	}
	var groups []Group
	for start := 0; start < len(u.ids); start += size {
		end := start + size
		if end > len(u.ids) {
			end = len(u.ids)
		}
		groups = append(groups, Group{
			ID:          fmt.Sprintf("group_%02d", len(groups)+1),
			SecurityIDs: append([]string(nil), u.ids[start:end]...),
		})
	}
	return groups
}
