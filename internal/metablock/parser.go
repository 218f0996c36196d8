package metablock

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/gmsandbox/internal/shared/id"
	"github.com/GriffinCanCode/gmsandbox/internal/shared/types"
)

const (
	openMarker  = "==UserScript=="
	closeMarker = "==/UserScript=="
)

var (
	// ErrNoMetadata is returned when the code carries no ==UserScript== block
	ErrNoMetadata = errors.New("metadata block not found")
	// ErrNoName is returned when the block has no @name
	ErrNoName = errors.New("@name is required")
)

// Block is the raw content of a metadata header
type Block struct {
	// Text is the header exactly as written, markers included
	Text string
	// Values maps lower-cased keys to their values in order of appearance
	Values map[string][]string
}

// First returns the first value for key, or ""
func (b *Block) First(key string) string {
	if v := b.Values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Has reports whether key appeared at least once
func (b *Block) Has(key string) bool {
	_, ok := b.Values[key]
	return ok
}

// Extract finds the metadata header in code and splits it into keys
func Extract(code string) (*Block, error) {
	start := strings.Index(code, openMarker)
	if start < 0 {
		return nil, ErrNoMetadata
	}
	rel := strings.Index(code[start:], closeMarker)
	if rel < 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrNoMetadata, closeMarker)
	}
	end := start + rel + len(closeMarker)

	// back up to the start of the line so the comment prefix stays in Text
	lineStart := strings.LastIndex(code[:start], "\n") + 1
	block := &Block{
		Text:   code[lineStart:end],
		Values: make(map[string][]string),
	}

	sc := bufio.NewScanner(strings.NewReader(code[start+len(openMarker) : start+rel]))
	sc.Buffer(make([]byte, 0, 4096), len(code)+1)
	for sc.Scan() {
		key, value, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		block.Values[key] = append(block.Values[key], value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan metadata: %w", err)
	}
	return block, nil
}

// parseLine reads "// @key value" and reports whether the line was a key
func parseLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "//") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "//"))
	if !strings.HasPrefix(line, "@") {
		return "", "", false
	}
	line = line[1:]
	key, value := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		key, value = line[:i], line[i+1:]
	}
	key = strings.ToLower(key)
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

// Parser turns userscript source into a Script
type Parser struct {
	now func() time.Time
}

// NewParser creates a metadata parser
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Parse reads the metadata header of code and returns the described script.
// The script id is derived from name and namespace so reinstalling the same
// script keeps its values.
func (p *Parser) Parse(code string) (*types.Script, error) {
	block, err := Extract(code)
	if err != nil {
		return nil, err
	}

	name := block.First("name")
	if name == "" {
		return nil, ErrNoName
	}

	script := &types.Script{
		Name:        name,
		Namespace:   block.First("namespace"),
		Version:     block.First("version"),
		Description: block.First("description"),
		Author:      block.First("author"),
		Type:        types.ScriptTypeNormal,
		Grants:      splitAll(block.Values["grant"]),
		Connects:    splitAll(block.Values["connect"]),
		Requires:    block.Values["require"],
		Matches:     append(append([]string{}, block.Values["match"]...), block.Values["include"]...),
		RunAt:       runAt(block.First("run-at")),
		EarlyStart:  block.Has("early-start"),
		NoFrames:    block.Has("noframes"),
		Code:        code,
		Metadata:    block.Values,
		MetaStr:     block.Text,
		UpdatedAt:   p.now(),
	}
	script.ID = ScriptID(script.Name, script.Namespace)

	for _, line := range block.Values["resource"] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid @resource %q: want name and url", line)
		}
		script.Resources = append(script.Resources, types.ResourceDecl{Name: fields[0], URL: fields[1]})
	}

	if cron := block.First("crontab"); cron != "" {
		script.Type = types.ScriptTypeCrontab
		script.Crontab = cron
	} else if block.Has("background") {
		script.Type = types.ScriptTypeBackground
	}

	if script.EarlyStart && script.RunAt != types.RunAtDocumentStart {
		return nil, fmt.Errorf("@early-start requires @run-at %s", types.RunAtDocumentStart)
	}

	return script, nil
}

// Parse parses code with a default parser
func Parse(code string) (*types.Script, error) {
	return NewParser().Parse(code)
}

// ScriptID derives a stable uuid from a script's name and namespace
func ScriptID(name, namespace string) id.ScriptID {
	return id.ScriptID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"\x00"+name)).String())
}

func runAt(v string) string {
	switch v {
	case types.RunAtDocumentStart, types.RunAtDocumentBody, types.RunAtDocumentEnd, types.RunAtDocumentIdle:
		return v
	default:
		return types.RunAtDocumentIdle
	}
}

// splitAll accepts both one value per line and space separated values
func splitAll(lines []string) []string {
	var out []string
	for _, line := range lines {
		out = append(out, strings.Fields(line)...)
	}
	return out
}
