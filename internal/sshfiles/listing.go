package sshfiles

import (
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// FileItem is one entry of a remote directory listing.
type FileItem struct {
	Name          string
	Path          string
	IsDirectory   bool
	Size          *int64 // nil for directories and unparseable sizes
	ModTime       time.Time
	Permissions   string
	Owner         string
	Group         string
	IsSymlink     bool
	SymlinkTarget string
}

// FormattedSize renders Size for display, "-" when unknown.
func (f FileItem) FormattedSize() string {
	if f.Size == nil {
		return "-"
	}
	return units.HumanSize(float64(*f.Size))
}

// ListCommand is the long-format listing command for path. LC_ALL=C keeps
// month names parseable.
func ListCommand(path string) string {
	return "LC_ALL=C ls -la " + ShellQuote(path)
}

// ParseListing parses `ls -la` output for directory dir.
func ParseListing(output, dir string) []FileItem {
	return parseListing(output, dir, time.Now().UTC())
}

func parseListing(output, dir string, now time.Time) []FileItem {
	var items []FileItem
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		perms := fields[0]
		if len(perms) != 10 {
			continue
		}

		name := strings.Join(fields[8:], " ")
		item := FileItem{
			Permissions: perms,
			Owner:       fields[2],
			Group:       fields[3],
			IsDirectory: perms[0] == 'd',
			IsSymlink:   perms[0] == 'l',
			ModTime:     parseModTime(fields[5], fields[6], fields[7], now),
		}
		if item.IsSymlink {
			if i := strings.Index(name, " -> "); i >= 0 {
				item.SymlinkTarget = name[i+len(" -> "):]
				name = name[:i]
			}
		}
		if name == "." || name == ".." {
			continue
		}
		if !item.IsDirectory {
			if size, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
				item.Size = &size
			}
		}

		item.Name = name
		item.Path = joinPath(dir, name)
		items = append(items, item)
	}
	return items
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// parseModTime returns the zero time when the columns do not parse.
func parseModTime(month, day, clockOrYear string, now time.Time) time.Time {
	if strings.Contains(clockOrYear, ":") {
		t, err := time.Parse("Jan 2 15:04 2006", month+" "+day+" "+clockOrYear+" "+strconv.Itoa(now.Year()))
		if err != nil {
			return time.Time{}
		}
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}
	t, err := time.Parse("Jan 2 2006", month+" "+day+" "+clockOrYear)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ShellQuote wraps a string in single quotes, escaping any embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
