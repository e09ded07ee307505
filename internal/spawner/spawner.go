// Package spawner implements the hierarchy spawner: when a Plan, Spec,
// or Phase loop completes, it parses that loop's Markdown artifact to
// produce the next level's children. Parsing walks the goldmark AST
// (a teacher dependency, used there to render chat Markdown in the TUI;
// here it parses structured artifact sections instead) rather than
// regexing raw lines, so headings and lists are located by document
// structure and survive incidental formatting differences.
package spawner

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/id"
	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// ChildDefinition is one child loop extracted from a parent's artifact:
// its Task description and any extra fields the parsing contract pulled
// out (spec/phase name, description, file-path bullets).
type ChildDefinition struct {
	Task    string
	Context map[string]string
}

// ChildType returns the loop type a parent of typ spawns children of,
// per spec.md's parsing contract table. Code loops are leaves and spawn
// nothing.
func ChildType(typ loopdomain.Type) (loopdomain.Type, error) {
	switch typ {
	case loopdomain.TypePlan:
		return loopdomain.TypeSpec, nil
	case loopdomain.TypeSpec:
		return loopdomain.TypePhase, nil
	case loopdomain.TypePhase:
		return loopdomain.TypeCode, nil
	default:
		return "", apperrors.NewInvalidInputError(fmt.Sprintf("loop type %q does not spawn children", typ))
	}
}

// Parse extracts child definitions from a parent's completed artifact,
// dispatching on the parent's type.
func Parse(parentType loopdomain.Type, artifact string) ([]ChildDefinition, error) {
	switch parentType {
	case loopdomain.TypePlan:
		return ParsePlan(artifact)
	case loopdomain.TypeSpec:
		return ParseSpec(artifact)
	case loopdomain.TypePhase:
		return ParsePhase(artifact)
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("loop type %q does not spawn children", parentType))
	}
}

// ParsePlan extracts Spec child definitions from a Plan artifact's
// "## Specs to Create" section: each bulleted "- <name>: <description>"
// item yields one spec.
func ParsePlan(artifact string) ([]ChildDefinition, error) {
	list, source, err := sectionList(artifact, "Specs to Create")
	if err != nil {
		return nil, err
	}
	var defs []ChildDefinition
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		li, ok := item.(*ast.ListItem)
		if !ok {
			continue
		}
		name, desc := splitNameDescription(itemLine(li, source))
		defs = append(defs, ChildDefinition{
			Task: fmt.Sprintf("%s: %s", name, desc),
			Context: map[string]string{
				"spec_name":        name,
				"spec_description": desc,
			},
		})
	}
	if len(defs) == 0 {
		return nil, apperrors.NewInvalidInputError(`"Specs to Create" section has no spec items`)
	}
	return defs, nil
}

// ParseSpec extracts Phase child definitions from a Spec artifact's
// "## Phases" section: each numbered "N. **<name>**: <description>"
// item yields one phase, and any file-path bullets nested under that
// item are collected into its context as a comma-separated "files"
// field, supplementing spec.md's rule with the path-looking-token
// heuristic original_source/src/loops/artifacts.rs uses for its own
// (differently-shaped) task-list bullets.
func ParseSpec(artifact string) ([]ChildDefinition, error) {
	list, source, err := sectionList(artifact, "Phases")
	if err != nil {
		return nil, err
	}
	if !list.IsOrdered() {
		return nil, apperrors.NewInvalidInputError(`"Phases" section must be a numbered list`)
	}
	var defs []ChildDefinition
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		li, ok := item.(*ast.ListItem)
		if !ok {
			continue
		}
		name, desc := splitNameDescription(itemLine(li, source))
		ctx := map[string]string{
			"phase_name":        name,
			"phase_description": desc,
		}
		if files := filePathBullets(li, source); len(files) > 0 {
			ctx["files"] = strings.Join(files, ",")
		}
		defs = append(defs, ChildDefinition{
			Task:    fmt.Sprintf("%s: %s", name, desc),
			Context: ctx,
		})
	}
	if len(defs) == 0 {
		return nil, apperrors.NewInvalidInputError(`"Phases" section has no phase items`)
	}
	return defs, nil
}

// ParsePhase produces the single Code child a completed Phase artifact
// always spawns, carrying the phase artifact itself as the child's task.
func ParsePhase(artifact string) ([]ChildDefinition, error) {
	return []ChildDefinition{{
		Task:    artifact,
		Context: map[string]string{},
	}}, nil
}

// Spawn builds the pending child Loop records for parent given the
// Markdown content of parent's completed output artifact. Each child
// inherits parent's output artifact as its own InputArtifactPath, per
// spec.md §4.6. Persisting the returned loops is the caller's
// responsibility; the scheduler admits them independently.
func Spawn(parent *loopdomain.Loop, artifact string, nowMillis int64) ([]*loopdomain.Loop, error) {
	childType, err := ChildType(parent.Type)
	if err != nil {
		return nil, err
	}
	defs, err := Parse(parent.Type, artifact)
	if err != nil {
		return nil, err
	}

	inputArtifact := parent.InputArtifactPath
	if len(parent.OutputArtifacts) > 0 {
		inputArtifact = parent.OutputArtifacts[0]
	}

	children := make([]*loopdomain.Loop, 0, len(defs))
	for i, def := range defs {
		childID := id.NewChildID(parent.ID, i)
		child, err := loopdomain.New(childID, childType, parent.ID, parent.MaxIterations, nowMillis)
		if err != nil {
			return nil, err
		}
		child.Task = def.Task
		child.InputArtifactPath = inputArtifact
		for k, v := range def.Context {
			child.Context[k] = v
		}
		children = append(children, child)
	}
	return children, nil
}

// sectionList parses artifact and locates the first top-level list after
// a heading whose text equals heading (other blocks in between are
// skipped), stopping at the next heading of equal or higher rank. Returns the parsed document's source bytes
// alongside the list so callers can resolve text segments.
func sectionList(artifact, heading string) (*ast.List, []byte, error) {
	source := []byte(artifact)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var target *ast.Heading
	var list *ast.List
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			if target == nil {
				if strings.TrimSpace(nodeText(h, source)) == heading {
					target = h
				}
				continue
			}
			if h.Level <= target.Level {
				break
			}
			continue
		}
		if target == nil {
			continue
		}
		if l, ok := n.(*ast.List); ok && list == nil {
			list = l
		}
	}
	if target == nil {
		return nil, nil, apperrors.NewInvalidInputError(fmt.Sprintf("artifact missing %q section", heading))
	}
	if list == nil {
		return nil, nil, apperrors.NewInvalidInputError(fmt.Sprintf("%q section has no list", heading))
	}
	return list, source, nil
}

// itemLine flattens a list item's own text content, excluding any
// nested sub-list (which, for a Phase item, carries file-path bullets
// handled separately by filePathBullets).
func itemLine(li *ast.ListItem, source []byte) string {
	var buf bytes.Buffer
	for c := li.FirstChild(); c != nil; c = c.NextSibling() {
		if _, ok := c.(*ast.List); ok {
			continue
		}
		buf.WriteString(nodeText(c, source))
	}
	return strings.TrimSpace(buf.String())
}

// filePathBullets collects the text of every nested bullet under li that
// looks like a file path, per looksLikeFilePath.
func filePathBullets(li *ast.ListItem, source []byte) []string {
	var files []string
	for c := li.FirstChild(); c != nil; c = c.NextSibling() {
		sub, ok := c.(*ast.List)
		if !ok || sub.IsOrdered() {
			continue
		}
		for item := sub.FirstChild(); item != nil; item = item.NextSibling() {
			subLi, ok := item.(*ast.ListItem)
			if !ok {
				continue
			}
			line := itemLine(subLi, source)
			if looksLikeFilePath(line) {
				files = append(files, line)
			}
		}
	}
	return files
}

var fileExtensionPattern = regexp.MustCompile(`\.\w{1,6}$`)

// looksLikeFilePath recognizes a bullet as a file-path reference rather
// than prose, per the path-looking-token heuristic named (but not
// precisely specified) by original_source/src/loops/artifacts.rs: a bare
// single-token line containing a path separator, or ending in a short
// file extension.
func looksLikeFilePath(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, " ") {
		return false
	}
	return strings.Contains(s, "/") || fileExtensionPattern.MatchString(s)
}

// nodeText flattens every *ast.Text leaf under n, in document order,
// discarding inline formatting (emphasis, strong, links) so "**name**"
// reads back as plain "name".
func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// splitNameDescription splits a "<name>: <description>" line on its
// first colon.
func splitNameDescription(raw string) (name, desc string) {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, ":")
	if idx < 0 {
		return raw, ""
	}
	return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+1:])
}
