package ftp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UnixFileType is the file type character of an `ls -l` line.
type UnixFileType byte

const (
	FileRegular          UnixFileType = '-'
	FileBlockSpecial     UnixFileType = 'b'
	FileCharacterSpecial UnixFileType = 'c'
	FileHighPerformance  UnixFileType = 'C'
	FileDirectory        UnixFileType = 'd'
	FileDoor             UnixFileType = 'D'
	FileSymbolicLink     UnixFileType = 'l'
	FileOffline          UnixFileType = 'M'
	FileNetworkSpecial   UnixFileType = 'n'
	FileFIFO             UnixFileType = 'p'
	FilePort             UnixFileType = 'P'
	FileSocket           UnixFileType = 's'
	FileUnknown          UnixFileType = '?'
)

func (t UnixFileType) String() string {
	switch t {
	case FileRegular:
		return "regular"
	case FileBlockSpecial:
		return "block special"
	case FileCharacterSpecial:
		return "character special"
	case FileHighPerformance:
		return "high performance"
	case FileDirectory:
		return "directory"
	case FileDoor:
		return "door"
	case FileSymbolicLink:
		return "symbolic link"
	case FileOffline:
		return "offline"
	case FileNetworkSpecial:
		return "network special"
	case FileFIFO:
		return "fifo"
	case FilePort:
		return "port"
	case FileSocket:
		return "socket"
	}
	return "unknown"
}

// ModeBits is one rwx triple of an `ls -l` mode string, e.g. "r-x" or "rws".
type ModeBits string

// CanRead reports whether the read bit is set.
func (m ModeBits) CanRead() bool { return len(m) == 3 && m[0] == 'r' }

// CanWrite reports whether the write bit is set.
func (m ModeBits) CanWrite() bool { return len(m) == 3 && m[1] == 'w' }

// CanExecute reports whether the execute bit is set. The lowercase
// setuid/setgid and sticky letters imply execute.
func (m ModeBits) CanExecute() bool {
	if len(m) != 3 {
		return false
	}
	switch m[2] {
	case 'x', 's', 't':
		return true
	}
	return false
}

// FileListItem is one entry of a directory listing.
type FileListItem struct {
	// Name is the file name; for symbolic links the part before " -> "
	Name string

	// Target is the link target of a symbolic link
	Target string

	Type UnixFileType

	UserMode  ModeBits
	GroupMode ModeBits
	OtherMode ModeBits

	Links int
	Size  uint64

	// ModTime is the modification time in UTC. Listings show either a year
	// or a time of day; a missing year is taken as the current one and a
	// missing time as 00:00.
	ModTime time.Time

	User  string
	Group string

	// Raw is the listing line the item was parsed from
	Raw string
}

// IsDir reports whether the item is a directory.
func (f *FileListItem) IsDir() bool { return f.Type == FileDirectory }

// IsDotDir reports whether the item is the "." or ".." entry.
func (f *FileListItem) IsDotDir() bool {
	return f.IsDir() && (f.Name == "." || f.Name == "..")
}

// ListingParser parses one line of a LIST reply. Parse reports false for
// lines it does not understand.
type ListingParser interface {
	Parse(line string) (*FileListItem, bool)
}

// ListingParserFunc adapts a function to the ListingParser interface.
type ListingParserFunc func(line string) (*FileListItem, bool)

func (f ListingParserFunc) Parse(line string) (*FileListItem, bool) { return f(line) }

var unixLineRegex = regexp.MustCompile(
	`^([-bcCdDlMnpPs?])([rwsStTx-]{3})([rwsStTx-]{3})([rwsStTx-]{3})[.+@]?` +
		`\s+(\d+)\s+(\S+)\s+(\S+)\s+(\d+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(.+)$`)

// UnixParser parses `ls -al` style lines such as
//
//	-rw-r--r--   1 demo     users        1024 Jan 15 12:34 report.txt
type UnixParser struct {
	// Now returns the current time; it decides the year of entries that
	// show a time of day. Nil means time.Now.
	Now func() time.Time
}

func (p *UnixParser) Parse(line string) (*FileListItem, bool) {
	m := unixLineRegex.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	links, err := strconv.Atoi(m[5])
	if err != nil {
		return nil, false
	}
	size, err := strconv.ParseUint(m[8], 10, 64)
	if err != nil {
		return nil, false
	}
	mod, err := p.parseTime(m[9], m[10], m[11])
	if err != nil {
		return nil, false
	}

	item := &FileListItem{
		Name:      m[12],
		Type:      UnixFileType(m[1][0]),
		UserMode:  ModeBits(m[2]),
		GroupMode: ModeBits(m[3]),
		OtherMode: ModeBits(m[4]),
		Links:     links,
		Size:      size,
		ModTime:   mod,
		User:      m[6],
		Group:     m[7],
		Raw:       line,
	}
	if item.Type == FileSymbolicLink {
		if name, target, ok := strings.Cut(item.Name, " -> "); ok {
			item.Name = name
			item.Target = target
		}
	}
	return item, true
}

func (p *UnixParser) parseTime(month, day, yearOrTime string) (time.Time, error) {
	year, clock := yearOrTime, "00:00"
	if strings.Contains(yearOrTime, ":") {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		year, clock = strconv.Itoa(now().Year()), yearOrTime
	}
	return time.ParseInLocation("2006 Jan 2 15:04", fmt.Sprintf("%s %s %s %s", year, month, day, clock), time.UTC)
}

// ParseList parses the text of a LIST reply. Each line is offered to the
// parsers in order, then to a UnixParser. Empty lines and lines no parser
// understands are skipped.
func ParseList(text string, parsers ...ListingParser) []FileListItem {
	parsers = append(parsers[:len(parsers):len(parsers)], &UnixParser{})

	var items []FileListItem
	for line := range strings.Lines(text) {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, parser := range parsers {
			if item, ok := parser.Parse(line); ok {
				items = append(items, *item)
				break
			}
		}
	}
	return items
}
