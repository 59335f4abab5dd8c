package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

const ticketsDir = "tickets"

var ticketNameRe = regexp.MustCompile(`^TICKET-(\d+)\.md$`)

// Ticket is one parsed unit of work from tickets/TICKET-NNN.md.
type Ticket struct {
	Name   string         `json:"name"`
	Path   string         `json:"path"`
	Index  int            `json:"index"`
	Title  string         `json:"title"`
	Agent  string         `json:"agent"`
	Done   bool           `json:"done"`
	Fields map[string]any `json:"fields,omitempty"`
	Body   string         `json:"-"`
}

// TicketError records a ticket file that could not be parsed. The engine
// skips these and keeps going.
type TicketError struct {
	Name string `json:"name"`
	Err  string `json:"error"`
}

// TicketsDir returns the absolute tickets directory, creating it if missing.
func (s *Store) TicketsDir() (string, error) {
	abs, err := s.Resolve(ticketsDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", errs.Internal("create tickets dir", err)
	}
	return abs, nil
}

// ListTickets returns tickets sorted by numeric index (ties by filename),
// plus parse errors for malformed files. Files that do not match the
// TICKET-NNN.md pattern are ignored.
func (s *Store) ListTickets() ([]Ticket, []TicketError, error) {
	dir, err := s.TicketsDir()
	if err != nil {
		return nil, nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errs.Internal("read tickets dir", err)
	}

	var tickets []Ticket
	var parseErrs []TicketError
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := ticketNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		path := filepath.Join(dir, e.Name())
		t, err := parseTicket(path)
		if err != nil {
			parseErrs = append(parseErrs, TicketError{Name: e.Name(), Err: err.Error()})
			continue
		}
		t.Name = e.Name()
		t.Path = path
		t.Index = idx
		tickets = append(tickets, *t)
	}

	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].Index != tickets[j].Index {
			return tickets[i].Index < tickets[j].Index
		}
		return tickets[i].Name < tickets[j].Name
	})
	return tickets, parseErrs, nil
}

// NextTicket picks the lowest-index ticket that is not done and carries no
// error marker. Returns nil when every ticket is done or skipped.
func NextTicket(tickets []Ticket, skip map[string]string) *Ticket {
	for i := range tickets {
		t := &tickets[i]
		if t.Done {
			continue
		}
		if skip != nil {
			if _, marked := skip[t.Name]; marked {
				continue
			}
		}
		return t
	}
	return nil
}

// MarkTicketDone rewrites the ticket's frontmatter with done: true, keeping
// every other key, the key order, and the body untouched.
func (s *Store) MarkTicketDone(name string) error {
	dir, err := s.TicketsDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("ticket %s", name)
		}
		return errs.Internal("read ticket", err)
	}

	front, body, err := splitFrontmatter(raw)
	if err != nil {
		return errs.FileCorrupt(path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(front, &doc); err != nil {
		return errs.FileCorrupt(path, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return errs.FileCorrupt(path, fmt.Errorf("frontmatter is not a mapping"))
	}
	setMappingBool(doc.Content[0], "done", true)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc.Content[0]); err != nil {
		return errs.Internal("encode frontmatter", err)
	}
	if err := enc.Close(); err != nil {
		return errs.Internal("encode frontmatter", err)
	}

	var out bytes.Buffer
	out.WriteString("---\n")
	out.Write(buf.Bytes())
	out.WriteString("---\n")
	out.Write(body)

	unlock := s.lockPath(path)
	defer unlock()
	return writeAtomic(path, out.Bytes())
}

// ArchiveTickets moves every ticket file into flows/<run_id>/tickets_archive/
// and returns how many moved.
func (s *Store) ArchiveTickets(runID string) (int, error) {
	dir, err := s.TicketsDir()
	if err != nil {
		return 0, err
	}
	destRel := filepath.Join(runDir(runID), "tickets_archive")
	destAbs, err := s.Resolve(destRel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(destAbs, 0755); err != nil {
		return 0, errs.Internal("create tickets_archive", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errs.Internal("read tickets dir", err)
	}
	moved := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		src := filepath.Join(dir, e.Name())
		dst := filepath.Join(destAbs, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return moved, errs.Internal("archive ticket", err)
		}
		moved++
	}
	return moved, nil
}

func parseTicket(path string) (*Ticket, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	front, body, err := splitFrontmatter(raw)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := yaml.Unmarshal(front, &fields); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}

	t := &Ticket{Fields: fields, Body: string(body)}
	if v, ok := fields["title"].(string); ok {
		t.Title = v
	}
	if v, ok := fields["agent"].(string); ok {
		t.Agent = v
	}
	if v, ok := fields["done"].(bool); ok {
		t.Done = v
	}
	return t, nil
}

// splitFrontmatter separates "---\n...\n---\n" from the body.
func splitFrontmatter(raw []byte) (front, body []byte, err error) {
	const fence = "---\n"
	if !bytes.HasPrefix(raw, []byte(fence)) {
		return nil, nil, fmt.Errorf("missing frontmatter fence")
	}
	rest := raw[len(fence):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated frontmatter")
	}
	front = rest[:end+1]
	body = rest[end+len("\n---"):]
	// The closing fence may end the file or be followed by a newline.
	if len(body) > 0 && body[0] == '\n' {
		body = body[1:]
	}
	return front, body, nil
}

func setMappingBool(mapping *yaml.Node, key string, value bool) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			n := mapping.Content[i+1]
			n.Kind = yaml.ScalarNode
			n.Tag = "!!bool"
			n.Value = strconv.FormatBool(value)
			n.Style = 0
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(value)},
	)
}
